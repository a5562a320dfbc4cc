package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wardenworks/warden/internal/config"
	"github.com/wardenworks/warden/internal/store"
)

// adminClient is the thin HTTP client the operator subcommands use to
// talk to a running `warden serve`.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient() (*adminClient, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return &adminClient{
		baseURL: "http://" + cfg.AdminAddr,
		token:   cfg.AdminToken,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *adminClient) call(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is `warden serve` running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if result != nil && len(raw) > 0 {
		return json.Unmarshal(raw, result)
	}
	return nil
}

// sandboxForInstance resolves an instance id to its sandbox record.
func (c *adminClient) sandboxForInstance(ctx context.Context, instanceID string) (*store.SandboxRecord, error) {
	var out struct {
		Sandboxes []*store.SandboxRecord `json:"sandboxes"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/sandboxes?instance_id="+instanceID, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Sandboxes) == 0 {
		return nil, fmt.Errorf("no sandbox for instance %q", instanceID)
	}
	return out.Sandboxes[0], nil
}
