// Package lifecycle provisions, tracks, and reclaims sandboxes. It owns
// the ordering rules between the record store and the backend: records
// are committed only after the backend succeeded, and no lock is ever
// held across a backend call.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenworks/warden/internal/backend"
	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/sidecar"
	"github.com/wardenworks/warden/internal/store"
)

// sidecarClient is the slice of the sidecar API the orchestrator uses.
type sidecarClient interface {
	Exec(ctx context.Context, req sidecar.ExecRequest) (*sidecar.ExecResult, error)
	PushSSHKey(ctx context.Context, publicKey string) error
}

// Orchestrator coordinates sandbox provisioning and deprovisioning
// across the record store and one backend.
type Orchestrator struct {
	store   store.SandboxStore
	backend backend.Backend
	log     *slog.Logger
	tracer  trace.Tracer

	sidecarTimeout time.Duration

	// test seams
	now        func() time.Time
	newSidecar func(baseURL, tok string) (sidecarClient, error)
}

// NewOrchestrator wires an orchestrator over the given store and backend.
func NewOrchestrator(st store.SandboxStore, be backend.Backend, sidecarTimeout time.Duration) *Orchestrator {
	o := &Orchestrator{
		store:          st,
		backend:        be,
		log:            slog.With("component", "orchestrator"),
		tracer:         otel.Tracer("warden/lifecycle"),
		sidecarTimeout: sidecarTimeout,
		now:            time.Now,
	}
	o.newSidecar = func(baseURL, tok string) (sidecarClient, error) {
		return sidecar.New(baseURL, tok, o.sidecarTimeout)
	}
	return o
}

func byInstance(instanceID string) func(*store.SandboxRecord) bool {
	return func(r *store.SandboxRecord) bool { return r.InstanceID == instanceID }
}

// Provision creates a sandbox for an instance. Each instance holds at
// most one sandbox; provisioning an occupied slot fails before any
// backend call. On backend failure no record is committed. An SSH key
// push failure returns both the committed record and the error: the
// sandbox is provisioned, only key installation failed.
func (o *Orchestrator) Provision(ctx context.Context, params backend.CreateSandboxParams) (*store.SandboxRecord, error) {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Provision",
		trace.WithAttributes(attribute.String("instance_id", params.InstanceID)))
	defer span.End()

	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.TeeRequired && o.backend.Kind() != store.BackendTee {
		return nil, fault.Validation("tee_required needs the tee backend, running %q", o.backend.Kind())
	}

	existing, err := o.store.Find(ctx, byInstance(params.InstanceID))
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "check instance slot")
	}
	if existing != nil {
		return nil, fault.Validation("instance %q already has sandbox %s", params.InstanceID, existing.ID)
	}

	rec, err := o.backend.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	rec.InstanceID = params.InstanceID
	rec.Status = store.StatusRunning
	rec.CreatedAt = now
	rec.LastActiveAt = now
	if len(params.Metadata) > 0 {
		raw, merr := json.Marshal(params.Metadata)
		if merr != nil {
			o.releaseBackend(ctx, rec)
			return nil, fault.Wrap(fault.CategoryValidation, merr, "encode metadata")
		}
		rec.Metadata = raw
	}
	if params.TeeRequired && len(rec.TeeAttestation) == 0 {
		rec.TeeAttestation = backend.PendingAttestation(params.TeeType)
	}

	if err := o.store.Insert(ctx, rec); err != nil {
		// Two provisions raced on the slot, or the store is down. The
		// backend resource must not leak either way.
		o.releaseBackend(ctx, rec)
		if err == store.ErrConflict {
			return nil, fault.Validation("sandbox %s already tracked", rec.ID)
		}
		return nil, fault.Wrap(fault.CategoryStorage, err, "commit sandbox record")
	}

	o.log.Info("sandbox provisioned",
		"id", rec.ID, "instance_id", rec.InstanceID, "backend", rec.BackendKind)

	if params.SSHEnabled && params.SSHPublicKey != "" {
		if err := o.pushSSHKey(ctx, rec, params.SSHPublicKey); err != nil {
			o.log.Warn("ssh key push failed", "id", rec.ID, "error", err)
			return rec, err
		}
	}
	return rec, nil
}

func (o *Orchestrator) pushSSHKey(ctx context.Context, rec *store.SandboxRecord, publicKey string) error {
	client, err := o.newSidecar(rec.SidecarURL, rec.Token)
	if err != nil {
		return err
	}
	return client.PushSSHKey(ctx, publicKey)
}

// releaseBackend tears down a backend resource that never made it into
// the store. Best effort: an orphan left behind is caught by
// reconciliation.
func (o *Orchestrator) releaseBackend(ctx context.Context, rec *store.SandboxRecord) {
	if err := o.backend.Delete(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Warn("rollback of uncommitted sandbox failed", "id", rec.ID, "error", err)
	}
}

// Deprovision tears down the sandbox occupying an instance's slot.
func (o *Orchestrator) Deprovision(ctx context.Context, instanceID string) error {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Deprovision",
		trace.WithAttributes(attribute.String("instance_id", instanceID)))
	defer span.End()

	rec, err := o.store.Find(ctx, byInstance(instanceID))
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "look up instance slot")
	}
	if rec == nil {
		return fault.NotFound("no sandbox for instance %q", instanceID)
	}
	return o.Release(ctx, rec)
}

// DeprovisionSandbox tears down a sandbox by its own id.
func (o *Orchestrator) DeprovisionSandbox(ctx context.Context, id string) error {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return fault.NotFound("sandbox %s not found", id)
		}
		return fault.Wrap(fault.CategoryStorage, err, "look up sandbox")
	}
	return o.Release(ctx, rec)
}

// Release reclaims a sandbox's backend resource and drops its record.
// Shared by explicit deprovisioning and the reaper. The record is
// removed even when the backend refuses the teardown: a stray backend
// resource is recoverable by reconciliation, a pinned record is not.
func (o *Orchestrator) Release(ctx context.Context, rec *store.SandboxRecord) error {
	_ = o.store.Update(ctx, rec.ID, func(r *store.SandboxRecord) error {
		r.Status = store.StatusDeleting
		return nil
	})

	if err := o.backend.Delete(ctx, rec); err != nil {
		o.log.Warn("backend delete failed, dropping record anyway", "id", rec.ID, "error", err)
	}
	if err := o.store.Remove(ctx, rec.ID); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "drop sandbox record")
	}
	o.log.Info("sandbox released", "id", rec.ID, "instance_id", rec.InstanceID)
	return nil
}

// Touch records sandbox activity. Never moves LastActiveAt backwards.
func (o *Orchestrator) Touch(ctx context.Context, instanceID string) error {
	rec, err := o.store.Find(ctx, byInstance(instanceID))
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "look up instance slot")
	}
	if rec == nil {
		return fault.NotFound("no sandbox for instance %q", instanceID)
	}
	now := o.now().UTC()
	err = o.store.Update(ctx, rec.ID, func(r *store.SandboxRecord) error {
		if now.After(r.LastActiveAt) {
			r.LastActiveAt = now
		}
		return nil
	})
	if err == store.ErrNotFound {
		return fault.NotFound("no sandbox for instance %q", instanceID)
	}
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "touch sandbox")
	}
	return nil
}

// Exec runs a command in an instance's sandbox via its sidecar, and
// counts as activity for idle-timeout purposes.
func (o *Orchestrator) Exec(ctx context.Context, instanceID string, req sidecar.ExecRequest) (*sidecar.ExecResult, error) {
	rec, err := o.store.Find(ctx, byInstance(instanceID))
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "look up instance slot")
	}
	if rec == nil {
		return nil, fault.NotFound("no sandbox for instance %q", instanceID)
	}

	client, err := o.newSidecar(rec.SidecarURL, rec.Token)
	if err != nil {
		return nil, err
	}
	result, err := client.Exec(ctx, req)
	if err != nil {
		return nil, err
	}
	if terr := o.Touch(ctx, instanceID); terr != nil {
		o.log.Warn("touch after exec failed", "instance_id", instanceID, "error", terr)
	}
	return result, nil
}

// Get returns a sandbox record by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*store.SandboxRecord, error) {
	rec, err := o.store.Get(ctx, id)
	if err == store.ErrNotFound {
		return nil, fault.NotFound("sandbox %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "look up sandbox")
	}
	return rec, nil
}

// Lookup returns the sandbox occupying an instance's slot, or a
// not-found error when the slot is empty.
func (o *Orchestrator) Lookup(ctx context.Context, instanceID string) (*store.SandboxRecord, error) {
	rec, err := o.store.Find(ctx, byInstance(instanceID))
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "look up instance slot")
	}
	if rec == nil {
		return nil, fault.NotFound("no sandbox for instance %q", instanceID)
	}
	return rec, nil
}

// List returns all tracked sandbox records.
func (o *Orchestrator) List(ctx context.Context) ([]*store.SandboxRecord, error) {
	recs, err := o.store.Values(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "list sandboxes")
	}
	return recs, nil
}
