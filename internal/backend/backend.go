// Package backend abstracts the systems that actually host sandboxes.
//
// Two implementations exist: Local drives a Docker engine on this host,
// Tee drives a confidential-computing provider API. The variant is
// selected once at process start and never re-dispatched per call.
package backend

import (
	"context"
	"encoding/json"

	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/store"
)

// TeeType selects the trusted-execution-environment flavor.
type TeeType int

const (
	TeeNone TeeType = iota
	TeeSGX
	TeeNitro
	TeeSEV
)

func (t TeeType) String() string {
	switch t {
	case TeeSGX:
		return "sgx"
	case TeeNitro:
		return "nitro"
	case TeeSEV:
		return "sev"
	default:
		return "none"
	}
}

// ParseTeeType maps a config string to a TeeType.
func ParseTeeType(s string) (TeeType, error) {
	switch s {
	case "", "none":
		return TeeNone, nil
	case "sgx":
		return TeeSGX, nil
	case "nitro":
		return TeeNitro, nil
	case "sev":
		return TeeSEV, nil
	default:
		return TeeNone, fault.Validation("unknown tee type %q", s)
	}
}

// CreateSandboxParams describes one sandbox creation request.
type CreateSandboxParams struct {
	InstanceID string `json:"instance_id"`
	Image      string `json:"image"`

	// Metadata is merged into the record as an opaque JSON object.
	Metadata map[string]any `json:"metadata,omitempty"`

	SSHEnabled   bool   `json:"ssh_enabled"`
	SSHPublicKey string `json:"ssh_public_key,omitempty"`

	TeeRequired bool    `json:"tee_required"`
	TeeType     TeeType `json:"tee_type,omitempty"`

	MemoryMB  int     `json:"memory_mb,omitempty"`
	CPUs      float64 `json:"cpus,omitempty"`
	PidsLimit int     `json:"pids_limit,omitempty"`

	// Token optionally overrides the generated sidecar token.
	Token string `json:"token,omitempty"`
}

// Validate rejects malformed creation requests before any backend call.
func (p *CreateSandboxParams) Validate() error {
	if p.InstanceID == "" {
		return fault.Validation("instance_id is required")
	}
	if p.Image == "" {
		return fault.Validation("image is required")
	}
	if p.TeeRequired && p.TeeType == TeeNone {
		return fault.Validation("tee_type is required when tee_required is set")
	}
	if p.MemoryMB < 0 || p.CPUs < 0 || p.PidsLimit < 0 {
		return fault.Validation("resource limits must be non-negative")
	}
	return nil
}

// PendingAttestation is the placeholder evidence emitted while a TEE
// provider has not yet produced attestation. Attestation is
// asynchronous; its absence must not fail provisioning.
func PendingAttestation(t TeeType) json.RawMessage {
	raw, _ := json.Marshal(struct {
		TeeType string `json:"tee_type"`
		Status  string `json:"status"`
	}{TeeType: t.String(), Status: "pending"})
	return raw
}

// Backend allocates and reclaims the underlying sandbox resources.
type Backend interface {
	// Kind tags records created by this backend.
	Kind() store.BackendKind

	// Create allocates the resource and returns a record stub carrying
	// id, sidecar endpoint, ssh port, token, and attestation evidence
	// when the provider produced it synchronously. The caller commits
	// nothing on error.
	Create(ctx context.Context, params CreateSandboxParams) (*store.SandboxRecord, error)

	// Delete reclaims the resource. Idempotent: deleting an
	// already-deleted or never-existing resource succeeds, because the
	// explicit deprovision path and the reaper may race here.
	Delete(ctx context.Context, rec *store.SandboxRecord) error

	// Describe enumerates ids live in the backend's own source of
	// truth, independent of the record store. Reconciliation only.
	Describe(ctx context.Context) (map[string]bool, error)
}
