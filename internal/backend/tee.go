package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/store"
	"github.com/wardenworks/warden/internal/token"
)

// TeeConfig connects the backend to a confidential-computing provider.
type TeeConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// Tee hosts sandboxes as deployments on a TEE provider's control plane.
// The provider's deployment id doubles as the record id, so Describe
// output lines up with stored records during reconciliation.
type Tee struct {
	cfg    TeeConfig
	client *http.Client
	issue  func(override string) (string, error)
	log    *slog.Logger
}

// NewTee returns a provider-backed backend. issueToken may be nil, in
// which case tokens come from token.FromRequest.
func NewTee(cfg TeeConfig, issueToken func(string) (string, error)) *Tee {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if issueToken == nil {
		issueToken = token.FromRequest
	}
	return &Tee{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		issue:  issueToken,
		log:    slog.With("component", "tee_backend"),
	}
}

func (t *Tee) Kind() store.BackendKind { return store.BackendTee }

type teeCreateRequest struct {
	Image        string         `json:"image"`
	TeeType      string         `json:"tee_type"`
	SidecarToken string         `json:"sidecar_token"`
	SSHEnabled   bool           `json:"ssh_enabled"`
	MemoryMB     int            `json:"memory_mb,omitempty"`
	CPUs         float64        `json:"cpus,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type teeCreateResponse struct {
	DeploymentID    string          `json:"deployment_id"`
	SidecarEndpoint string          `json:"sidecar_endpoint"`
	SSHPort         int             `json:"ssh_port"`
	Attestation     json.RawMessage `json:"attestation"`
}

func (t *Tee) Create(ctx context.Context, params CreateSandboxParams) (*store.SandboxRecord, error) {
	tok, err := t.issue(params.Token)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryCloudProvider, err, "issue sidecar token")
	}

	req := teeCreateRequest{
		Image:        params.Image,
		TeeType:      params.TeeType.String(),
		SidecarToken: tok,
		SSHEnabled:   params.SSHEnabled,
		MemoryMB:     params.MemoryMB,
		CPUs:         params.CPUs,
		Metadata:     params.Metadata,
	}

	var resp teeCreateResponse
	if err := t.call(ctx, http.MethodPost, "/v1/deployments", req, &resp); err != nil {
		return nil, err
	}
	if resp.DeploymentID == "" || resp.SidecarEndpoint == "" {
		return nil, fault.New(fault.CategoryCloudProvider, "provider returned incomplete deployment")
	}

	// Attestation is asynchronous on most providers. A missing payload
	// here is not a failure; attestation arrives as pending evidence.
	attestation := resp.Attestation
	if len(attestation) == 0 || string(attestation) == "null" {
		attestation = nil
	}

	t.log.Info("tee deployment created", "deployment_id", resp.DeploymentID, "tee_type", params.TeeType.String())

	return &store.SandboxRecord{
		ID:             resp.DeploymentID,
		SidecarURL:     resp.SidecarEndpoint,
		Token:          tok,
		SSHPort:        resp.SSHPort,
		BackendKind:    store.BackendTee,
		TeeAttestation: attestation,
	}, nil
}

func (t *Tee) Delete(ctx context.Context, rec *store.SandboxRecord) error {
	err := t.call(ctx, http.MethodDelete, "/v1/deployments/"+rec.ID, nil, nil)
	if err != nil {
		// 404 means already gone.
		var ferr *fault.Error
		if errors.As(err, &ferr) && ferr.StatusCode == http.StatusNotFound {
			t.log.Debug("tee deployment already gone", "deployment_id", rec.ID)
			return nil
		}
		return err
	}
	t.log.Info("tee deployment destroyed", "deployment_id", rec.ID)
	return nil
}

type teeListResponse struct {
	Deployments []struct {
		DeploymentID string `json:"deployment_id"`
	} `json:"deployments"`
}

func (t *Tee) Describe(ctx context.Context) (map[string]bool, error) {
	var resp teeListResponse
	if err := t.call(ctx, http.MethodGet, "/v1/deployments", nil, &resp); err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(resp.Deployments))
	for _, d := range resp.Deployments {
		live[d.DeploymentID] = true
	}
	return live, nil
}

// call makes an HTTP request to the provider control plane API.
func (t *Tee) call(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(fault.CategoryCloudProvider, err, "marshal provider request")
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.cfg.APIURL+path, bodyReader)
	if err != nil {
		return fault.Wrap(fault.CategoryCloudProvider, err, "build provider request")
	}
	req.Header.Set("X-API-Key", t.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.CategoryCloudProvider, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.CategoryCloudProvider, err, "read provider response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &fault.Error{
			Category:   fault.CategoryCloudProvider,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("provider API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fault.Wrap(fault.CategoryCloudProvider, err, "decode provider response")
		}
	}
	return nil
}
