package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wardenworks/warden/internal/fault"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "test-token", 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New("http://127.0.0.1:1", "  ", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if !fault.Is(err, fault.CategoryAuth) {
		t.Errorf("expected auth category, got %v", err)
	}
}

func TestExec(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/exec" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Command) != 2 || req.Command[0] != "echo" {
			t.Errorf("unexpected command %v", req.Command)
		}
		json.NewEncoder(w).Encode(ExecResult{ExitCode: 1, Stdout: "hi\n", Stderr: "oops"})
	})

	res, err := c.Exec(context.Background(), ExecRequest{Command: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	// Non-zero exit code is a result, not an error.
	if res.ExitCode != 1 || res.Stdout != "hi\n" || res.Stderr != "oops" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExec_EmptyCommand(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.Exec(context.Background(), ExecRequest{})
	if !fault.Is(err, fault.CategoryValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCall_SidecarError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !fault.Is(err, fault.CategoryHTTP) {
		t.Errorf("expected http category, got %v", err)
	}
}

func TestPushSSHKey(t *testing.T) {
	got := ""
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ssh-keys" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			PublicKey string `json:"public_key"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got = body.PublicKey
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.PushSSHKey(context.Background(), "ssh-ed25519 AAAA test@host"); err != nil {
		t.Fatalf("push ssh key: %v", err)
	}
	if got != "ssh-ed25519 AAAA test@host" {
		t.Errorf("unexpected key %q", got)
	}

	if err := c.PushSSHKey(context.Background(), " "); !fault.Is(err, fault.CategoryValidation) {
		t.Errorf("expected validation error for blank key, got %v", err)
	}
}
