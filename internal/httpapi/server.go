// Package httpapi is the operator-facing admin API for the sandbox
// lifecycle manager.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenworks/warden/internal/backend"
	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/lifecycle"
	"github.com/wardenworks/warden/internal/sidecar"
	"github.com/wardenworks/warden/internal/store"
)

// Handler serves the /v1/sandboxes admin endpoints.
type Handler struct {
	orch           *lifecycle.Orchestrator
	token          string
	sidecarTimeout time.Duration
}

// NewHandler creates the admin API handler. An empty token disables
// auth, which is only sensible on a loopback listener.
func NewHandler(orch *lifecycle.Orchestrator, token string, sidecarTimeout time.Duration) *Handler {
	return &Handler{orch: orch, token: token, sidecarTimeout: sidecarTimeout}
}

// RegisterRoutes registers all sandbox routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sandboxes", h.auth(h.handleProvision))
	mux.HandleFunc("GET /v1/sandboxes", h.auth(h.handleList))
	mux.HandleFunc("GET /v1/sandboxes/{id}", h.auth(h.handleGet))
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", h.auth(h.handleDelete))
	mux.HandleFunc("POST /v1/sandboxes/{id}/touch", h.auth(h.handleTouch))
	mux.HandleFunc("POST /v1/sandboxes/{id}/exec", h.auth(h.handleExec))
	mux.HandleFunc("GET /v1/sandboxes/{id}/attach", h.auth(h.handleAttach))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var params backend.CreateSandboxParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	rec, err := h.orch.Provision(r.Context(), params)
	if err != nil {
		if rec != nil {
			// Provisioned, but post-provision setup (ssh key) failed.
			writeJSON(w, http.StatusCreated, map[string]any{
				"sandbox": rec,
				"warning": err.Error(),
			})
			return
		}
		writeError(w, err, "provision failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sandbox": rec})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.orch.List(r.Context())
	if err != nil {
		writeError(w, err, "list failed")
		return
	}
	if instanceID := r.URL.Query().Get("instance_id"); instanceID != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.InstanceID == instanceID {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	if recs == nil {
		recs = []*store.SandboxRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sandboxes": recs, "total": len(recs)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sandbox": rec})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.DeprovisionSandbox(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err, "deprovision failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleTouch(w http.ResponseWriter, r *http.Request) {
	rec, err := h.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, "touch failed")
		return
	}
	if err := h.orch.Touch(r.Context(), rec.InstanceID); err != nil {
		writeError(w, err, "touch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "touched"})
}

func (h *Handler) handleExec(w http.ResponseWriter, r *http.Request) {
	rec, err := h.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, "exec failed")
		return
	}

	var req sidecar.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := h.orch.Exec(r.Context(), rec.InstanceID, req)
	if err != nil {
		writeError(w, err, "exec failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleAttach bridges the operator's websocket to the sandbox's
// sidecar terminal stream.
func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	rec, err := h.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, "attach failed")
		return
	}

	client, err := sidecar.New(rec.SidecarURL, rec.Token, h.sidecarTimeout)
	if err != nil {
		writeError(w, err, "attach failed")
		return
	}
	upstream, err := client.Attach(r.Context())
	if err != nil {
		writeError(w, err, "attach failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		slog.Warn("websocket upgrade failed", "id", rec.ID, "error", err)
		return
	}

	proxyWebsocket(conn, upstream)
}

// proxyWebsocket pumps frames between the two connections until either
// side closes.
func proxyWebsocket(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	pump := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, msg, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}
	go pump(a, b)
	go pump(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}

// writeError maps the error taxonomy onto HTTP status codes. Messages
// pass through as plain text; categories never leave the process as
// structured codes.
func writeError(w http.ResponseWriter, err error, logMsg string) {
	status := http.StatusInternalServerError
	var fe *fault.Error
	if errors.As(err, &fe) {
		switch fe.Category {
		case fault.CategoryAuth:
			status = http.StatusUnauthorized
		case fault.CategoryValidation:
			status = http.StatusBadRequest
		case fault.CategoryNotFound:
			status = http.StatusNotFound
		case fault.CategoryDocker, fault.CategoryCloudProvider, fault.CategoryHTTP:
			status = http.StatusBadGateway
		}
	}
	if status >= 500 {
		slog.Error(logMsg, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// Server wraps the admin listener with graceful shutdown.
type Server struct {
	srv *http.Server
}

// NewServer builds the admin HTTP server on addr.
func NewServer(addr string, h *Handler) *Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("admin api listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
