package lifecycle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenworks/warden/internal/store"
)

// orphanTeardownRate paces backend deletes during reconciliation so a
// large orphan set cannot hammer the provider API right at startup.
var orphanTeardownRate = rate.Limit(2)

// Reconcile aligns the record store with the backend's own view after a
// restart. Records whose resource vanished are dropped in a single
// registry rewrite; backend resources with no record are orphans, torn
// down or preserved per policy. Orphan teardown failures are logged,
// never fatal: reconciliation converges on a consistent state, it does
// not guarantee one pass. Runs before the admin surface accepts
// requests, so the registry rewrite cannot race live provisioning.
func (r *Reaper) Reconcile(ctx context.Context) error {
	live, err := r.orch.backend.Describe(ctx)
	if err != nil {
		return fmt.Errorf("describe backend: %w", err)
	}
	recs, err := r.orch.List(ctx)
	if err != nil {
		return err
	}

	stale := 0
	tracked := make(map[string]bool, len(recs))
	survivors := make(map[string]*store.SandboxRecord, len(recs))
	for _, rec := range recs {
		tracked[rec.ID] = true
		if live[rec.ID] {
			survivors[rec.ID] = rec
			continue
		}
		// The resource died while we were away.
		r.log.Info("dropping stale sandbox record", "id", rec.ID, "instance_id", rec.InstanceID)
		stale++
	}
	if stale > 0 {
		if err := r.orch.store.Replace(ctx, survivors); err != nil {
			return fmt.Errorf("commit reconciled registry: %w", err)
		}
	}

	orphans := 0
	limiter := rate.NewLimiter(orphanTeardownRate, 1)
	for id := range live {
		if tracked[id] {
			continue
		}
		orphans++
		if r.policy().OrphanPolicy != OrphanRemove {
			r.log.Warn("preserving orphaned backend resource", "id", id)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		// Synthesize a record stub so Delete can address the resource.
		orphan := &store.SandboxRecord{ID: id, BackendKind: r.orch.backend.Kind()}
		if err := r.orch.backend.Delete(ctx, orphan); err != nil {
			r.log.Warn("failed to remove orphaned resource", "id", id, "error", err)
			continue
		}
		r.log.Info("removed orphaned backend resource", "id", id)
	}

	if stale > 0 || orphans > 0 {
		r.log.Info("reconciliation completed", "stale_records", stale, "orphans", orphans)
	} else {
		r.log.Debug("reconciliation found store and backend in agreement")
	}
	return nil
}

// ReconcileWithRetry runs Reconcile, retrying with a fixed backoff when
// the backend cannot be described yet, as happens when the engine comes
// up alongside the manager.
func (r *Reaper) ReconcileWithRetry(ctx context.Context, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = r.Reconcile(ctx); err == nil {
			return nil
		}
		r.log.Warn("reconciliation attempt failed", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
