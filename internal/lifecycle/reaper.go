package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wardenworks/warden/internal/store"
)

// Policy tunes the reaper's eviction thresholds. A zero threshold
// disables that check.
type Policy struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	MaxLifetime time.Duration

	// OrphanPolicy decides what reconciliation does with backend
	// resources that have no record: "remove" tears them down,
	// "preserve" only logs them.
	OrphanPolicy string
}

// OrphanRemove and OrphanPreserve are the accepted OrphanPolicy values.
const (
	OrphanRemove   = "remove"
	OrphanPreserve = "preserve"
)

// Reaper periodically evicts sandboxes that sat idle past the idle
// timeout or lived past the max lifetime. Max lifetime is a hard cap:
// activity does not extend it.
type Reaper struct {
	orch   *Orchestrator
	policy func() Policy
	log    *slog.Logger
	stopCh chan struct{}

	now func() time.Time
}

// NewReaper builds a reaper over the orchestrator. policy is consulted
// on every pass, so config hot reloads take effect without a restart.
func NewReaper(orch *Orchestrator, policy func() Policy) *Reaper {
	return &Reaper{
		orch:   orch,
		policy: policy,
		log:    slog.With("component", "reaper"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the background eviction loop.
func (r *Reaper) Start() {
	interval := r.tickInterval()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Tick(context.Background(), r.now())
				// Pick up a hot-reloaded interval between passes.
				if iv := r.tickInterval(); iv != interval {
					r.log.Info("reaper interval changed", "interval", iv)
					interval = iv
					ticker.Reset(iv)
				}
			}
		}
	}()

	r.log.Debug("reaper started", "interval", interval)
}

// tickInterval reads the pass interval from the live policy, falling
// back to one minute when unset.
func (r *Reaper) tickInterval() time.Duration {
	if iv := r.policy().Interval; iv > 0 {
		return iv
	}
	return time.Minute
}

// Stop signals the eviction loop to stop. Safe to call twice.
func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Tick runs one eviction pass. Eviction reuses the ordinary release
// path, so a sandbox deprovisioned concurrently is simply gone by the
// time the reaper reaches it, which the idempotent delete absorbs.
func (r *Reaper) Tick(ctx context.Context, now time.Time) {
	pol := r.policy()

	recs, err := r.orch.List(ctx)
	if err != nil {
		r.log.Warn("reaper scan failed", "error", err)
		return
	}

	var expired []*store.SandboxRecord
	for _, rec := range recs {
		if reason := expiry(rec, pol, now); reason != "" {
			r.log.Info("evicting sandbox", "id", rec.ID, "instance_id", rec.InstanceID, "reason", reason)
			expired = append(expired, rec)
		}
	}
	if len(expired) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rec := range expired {
		g.Go(func() error {
			if err := r.orch.Release(gctx, rec); err != nil {
				r.log.Warn("eviction failed", "id", rec.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.log.Info("reaper pass completed", "evicted", len(expired))
}

// expiry names why a record is due for eviction, or "" if it is not.
func expiry(rec *store.SandboxRecord, pol Policy, now time.Time) string {
	if pol.MaxLifetime > 0 && now.Sub(rec.CreatedAt) > pol.MaxLifetime {
		return "max_lifetime"
	}
	if pol.IdleTimeout > 0 && now.Sub(rec.LastActiveAt) > pol.IdleTimeout {
		return "idle_timeout"
	}
	return ""
}
