// Package store defines the sandbox record model and the persistence
// contract shared by the orchestrator and the reaper.
//
// Two views exist over the same store: the instance slot (at most one
// record per instance, looked up via Find) and the global registry
// (every tracked record, enumerated via Values). A record exists in the
// registry if and only if a backend resource was created and not yet
// confirmed deleted; startup reconciliation repairs drift between the
// two after a crash.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// BackendKind tags which backend implementation owns a record's resource.
type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendTee   BackendKind = "tee"
)

// Status is the lifecycle state of a tracked sandbox. There is no
// "deleted" status: deletion removes the record from the store.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusDeleting     Status = "deleting"
)

// SandboxRecord is the unit of tracked state for one sandbox.
// ID and Token are assigned at creation and never change.
type SandboxRecord struct {
	ID             string          `json:"id"`
	InstanceID     string          `json:"instance_id"`
	SidecarURL     string          `json:"sidecar_url"`
	Token          string          `json:"token"`
	SSHPort        int             `json:"ssh_port,omitempty"`
	BackendKind    BackendKind     `json:"backend_kind"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActiveAt   time.Time       `json:"last_active_at"`
	TeeAttestation json.RawMessage `json:"tee_attestation,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can mutate records without
// aliasing store-internal state.
func (r *SandboxRecord) Clone() *SandboxRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.TeeAttestation != nil {
		cp.TeeAttestation = append(json.RawMessage(nil), r.TeeAttestation...)
	}
	if r.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), r.Metadata...)
	}
	return &cp
}

// NewID returns a fresh sandbox identifier.
func NewID() string {
	return uuid.NewString()
}

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("sandbox record not found")

// ErrConflict is returned by Insert when the id is already present.
var ErrConflict = errors.New("sandbox record already exists")

// SandboxStore is the durable registry of sandbox records. All methods
// are safe for concurrent use by the orchestrator and the reaper;
// Update is atomic per key so concurrent read-modify-writes on the same
// record never interleave.
type SandboxStore interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*SandboxRecord, error)

	// Find returns the first record satisfying pred, or (nil, nil)
	// when no record matches. Used by the instance-slot lookup.
	Find(ctx context.Context, pred func(*SandboxRecord) bool) (*SandboxRecord, error)

	// Values enumerates every tracked record. Used by the reaper scan.
	Values(ctx context.Context) ([]*SandboxRecord, error)

	// Insert adds a new record. Returns ErrConflict if the id exists.
	Insert(ctx context.Context, rec *SandboxRecord) error

	// Remove deletes the record for id. Removing an absent record is
	// not an error: the orchestrator and the reaper may race to delete.
	Remove(ctx context.Context, id string) error

	// Update applies mutate to the record for id as a single atomic
	// read-modify-write. Returns ErrNotFound if the record is absent;
	// an error from mutate aborts the write.
	Update(ctx context.Context, id string, mutate func(*SandboxRecord) error) error

	// Replace overwrites the full registry in one operation. Used by
	// startup reconciliation.
	Replace(ctx context.Context, recs map[string]*SandboxRecord) error

	// Close releases any underlying resources.
	Close() error
}
