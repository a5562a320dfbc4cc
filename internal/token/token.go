// Package token issues and validates the bearer credentials used between
// the lifecycle manager and the sidecar agent running inside a sandbox.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/wardenworks/warden/internal/fault"
)

// Length is the byte length of generated tokens before hex encoding.
// Encoded tokens are therefore 64 lowercase hex characters.
const Length = 32

// Generate produces a cryptographically random sidecar bearer token.
func Generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate sidecar token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// FromRequest returns the trimmed operator-supplied override when
// non-empty, otherwise a freshly generated token.
func FromRequest(override string) (string, error) {
	if t := strings.TrimSpace(override); t != "" {
		return t, nil
	}
	return Generate()
}

// RequireSidecarToken validates that a sidecar token is present.
func RequireSidecarToken(tok string) error {
	if strings.TrimSpace(tok) == "" {
		return fault.Auth("missing sidecar token")
	}
	return nil
}
