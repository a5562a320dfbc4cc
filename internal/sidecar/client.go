// Package sidecar is the HTTP client for the agent that runs inside
// each sandbox. All calls carry the per-sandbox bearer token minted at
// provisioning time.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/token"
)

// DefaultTimeout bounds sidecar calls that do not bring their own
// deadline. Exec carries its own, typically longer, timeout.
const DefaultTimeout = 30 * time.Second

// Client talks to one sandbox's sidecar agent.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the sidecar at baseURL.
func New(baseURL, tok string, timeout time.Duration) (*Client, error) {
	if err := token.RequireSidecarToken(tok); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   tok,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// ExecRequest runs one command inside the sandbox.
type ExecRequest struct {
	Command    []string `json:"command"`
	WorkDir    string   `json:"work_dir,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}

// ExecResult is the outcome of an executed command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs a command and waits for its result. A non-zero exit code is
// not an error; errors mean the sidecar itself could not be reached or
// refused the call.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fault.Validation("exec command is required")
	}
	var result ExecResult
	if err := c.call(ctx, http.MethodPost, "/v1/exec", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PushSSHKey installs a public key in the sandbox's authorized_keys.
func (c *Client) PushSSHKey(ctx context.Context, publicKey string) error {
	if strings.TrimSpace(publicKey) == "" {
		return fault.Validation("ssh public key is required")
	}
	body := struct {
		PublicKey string `json:"public_key"`
	}{PublicKey: publicKey}
	return c.call(ctx, http.MethodPost, "/v1/ssh-keys", body, nil)
}

// Health probes the sidecar's readiness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// Attach opens the sidecar's interactive terminal stream. The caller
// owns the returned connection.
func (c *Client) Attach(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/v1/attach")
	if err != nil {
		return nil, fault.Wrap(fault.CategoryHTTP, err, "parse sidecar url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &fault.Error{
			Category:   fault.CategoryHTTP,
			StatusCode: status,
			Message:    "attach to sidecar",
			Err:        err,
		}
	}
	return conn, nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(fault.CategoryHTTP, err, "marshal sidecar request")
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fault.Wrap(fault.CategoryHTTP, err, "build sidecar request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.CategoryHTTP, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.CategoryHTTP, err, "read sidecar response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &fault.Error{
			Category:   fault.CategoryHTTP,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("sidecar error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fault.Wrap(fault.CategoryHTTP, err, "decode sidecar response")
		}
	}
	return nil
}
