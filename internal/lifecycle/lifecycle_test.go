package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wardenworks/warden/internal/backend"
	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/sidecar"
	"github.com/wardenworks/warden/internal/store"
)

type fakeBackend struct {
	kind        store.BackendKind
	attestation json.RawMessage
	createErr   error
	deleteErr   error

	mu      sync.Mutex
	live    map[string]bool
	creates int
	deletes int
	nextID  int
}

func newFakeBackend(kind store.BackendKind) *fakeBackend {
	return &fakeBackend{kind: kind, live: make(map[string]bool)}
}

func (b *fakeBackend) Kind() store.BackendKind { return b.kind }

func (b *fakeBackend) Create(ctx context.Context, params backend.CreateSandboxParams) (*store.SandboxRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.nextID++
	id := fmt.Sprintf("sbx-%d", b.nextID)
	b.live[id] = true
	return &store.SandboxRecord{
		ID:             id,
		SidecarURL:     "http://127.0.0.1:9", // never dialed in tests
		Token:          "fixed-token",
		BackendKind:    b.kind,
		TeeAttestation: b.attestation,
	}, nil
}

func (b *fakeBackend) Delete(ctx context.Context, rec *store.SandboxRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.live, rec.ID) // absent is fine
	return nil
}

func (b *fakeBackend) Describe(ctx context.Context) (map[string]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.live))
	for id := range b.live {
		out[id] = true
	}
	return out, nil
}

func (b *fakeBackend) isLive(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[id]
}

type fakeSidecar struct {
	pushErr  error
	pushed   []string
	execErr  error
	execs    int
	lastExec sidecar.ExecRequest
}

func (s *fakeSidecar) Exec(ctx context.Context, req sidecar.ExecRequest) (*sidecar.ExecResult, error) {
	s.execs++
	s.lastExec = req
	if s.execErr != nil {
		return nil, s.execErr
	}
	return &sidecar.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (s *fakeSidecar) PushSSHKey(ctx context.Context, publicKey string) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	s.pushed = append(s.pushed, publicKey)
	return nil
}

type testHarness struct {
	orch    *Orchestrator
	be      *fakeBackend
	st      *store.MemoryStore
	sc      *fakeSidecar
	nowTime time.Time
}

func newHarness(t *testing.T, kind store.BackendKind) *testHarness {
	t.Helper()
	h := &testHarness{
		be:      newFakeBackend(kind),
		st:      store.NewMemoryStore(),
		sc:      &fakeSidecar{},
		nowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orch = NewOrchestrator(h.st, h.be, 0)
	h.orch.now = func() time.Time { return h.nowTime }
	h.orch.newSidecar = func(baseURL, tok string) (sidecarClient, error) {
		return h.sc, nil
	}
	return h
}

func (h *testHarness) advance(d time.Duration) { h.nowTime = h.nowTime.Add(d) }

func validParams(instanceID string) backend.CreateSandboxParams {
	return backend.CreateSandboxParams{InstanceID: instanceID, Image: "warden/sandbox:latest"}
}

func TestProvision(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	rec, err := h.orch.Provision(ctx, validParams("inst-1"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if rec.InstanceID != "inst-1" || rec.Status != store.StatusRunning {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.CreatedAt.Equal(h.nowTime) || !rec.LastActiveAt.Equal(h.nowTime) {
		t.Errorf("timestamps not set: %+v", rec)
	}
	if rec.SSHPort != 0 {
		t.Errorf("ssh disabled, expected port 0, got %d", rec.SSHPort)
	}
	if len(rec.TeeAttestation) != 0 {
		t.Errorf("no tee requested, expected empty attestation, got %s", rec.TeeAttestation)
	}

	got, err := h.orch.Lookup(ctx, "inst-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("lookup returned %s, want %s", got.ID, rec.ID)
	}
}

func TestProvision_SlotOccupied(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	if _, err := h.orch.Provision(ctx, validParams("inst-1")); err != nil {
		t.Fatalf("first provision: %v", err)
	}
	_, err := h.orch.Provision(ctx, validParams("inst-1"))
	if !fault.Is(err, fault.CategoryValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// The occupied slot must be rejected before the backend is called.
	if h.be.creates != 1 {
		t.Errorf("backend.Create called %d times, want 1", h.be.creates)
	}
}

func TestProvision_BackendFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	h.be.createErr = fault.New(fault.CategoryDocker, "engine down")
	ctx := context.Background()

	_, err := h.orch.Provision(ctx, validParams("inst-1"))
	if !fault.Is(err, fault.CategoryDocker) {
		t.Fatalf("expected docker error, got %v", err)
	}
	if _, err := h.orch.Lookup(ctx, "inst-1"); !fault.Is(err, fault.CategoryNotFound) {
		t.Errorf("no record should be committed, got %v", err)
	}

	// The slot is reusable once the backend recovers.
	h.be.createErr = nil
	if _, err := h.orch.Provision(ctx, validParams("inst-1")); err != nil {
		t.Fatalf("provision after recovery: %v", err)
	}
}

func TestProvision_SSHPushFailureReturnsRecordAndError(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	h.sc.pushErr = fault.New(fault.CategoryHTTP, "sidecar unreachable")
	ctx := context.Background()

	params := validParams("inst-1")
	params.SSHEnabled = true
	params.SSHPublicKey = "ssh-ed25519 AAAA"

	rec, err := h.orch.Provision(ctx, params)
	if err == nil {
		t.Fatal("expected error from key push")
	}
	if rec == nil {
		t.Fatal("record must still be returned: the sandbox is provisioned")
	}
	if _, lerr := h.orch.Lookup(ctx, "inst-1"); lerr != nil {
		t.Errorf("record must stay committed: %v", lerr)
	}
}

func TestProvision_SSHKeyPushed(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	params := validParams("inst-1")
	params.SSHEnabled = true
	params.SSHPublicKey = "ssh-ed25519 AAAA user@host"

	if _, err := h.orch.Provision(ctx, params); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(h.sc.pushed) != 1 || h.sc.pushed[0] != "ssh-ed25519 AAAA user@host" {
		t.Errorf("unexpected pushed keys %v", h.sc.pushed)
	}
}

func TestProvision_TeeOnLocalBackendRejected(t *testing.T) {
	h := newHarness(t, store.BackendLocal)

	params := validParams("inst-1")
	params.TeeRequired = true
	params.TeeType = backend.TeeSGX

	_, err := h.orch.Provision(context.Background(), params)
	if !fault.Is(err, fault.CategoryValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.be.creates != 0 {
		t.Errorf("backend must not be called, got %d creates", h.be.creates)
	}
}

func TestProvision_PendingAttestationPlaceholder(t *testing.T) {
	h := newHarness(t, store.BackendTee)

	params := validParams("inst-1")
	params.TeeRequired = true
	params.TeeType = backend.TeeSGX

	rec, err := h.orch.Provision(context.Background(), params)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if string(rec.TeeAttestation) != `{"tee_type":"sgx","status":"pending"}` {
		t.Errorf("unexpected attestation %s", rec.TeeAttestation)
	}
}

func TestProvision_SynchronousAttestationKept(t *testing.T) {
	h := newHarness(t, store.BackendTee)
	h.be.attestation = json.RawMessage(`{"tee_type":"sev","quote":"abc"}`)

	params := validParams("inst-1")
	params.TeeRequired = true
	params.TeeType = backend.TeeSEV

	rec, err := h.orch.Provision(context.Background(), params)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if string(rec.TeeAttestation) != `{"tee_type":"sev","quote":"abc"}` {
		t.Errorf("provider attestation must win over the placeholder, got %s", rec.TeeAttestation)
	}
}

func TestDeprovision(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	rec, err := h.orch.Provision(ctx, validParams("inst-1"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := h.orch.Deprovision(ctx, "inst-1"); err != nil {
		t.Fatalf("deprovision: %v", err)
	}
	if h.be.isLive(rec.ID) {
		t.Error("backend resource should be gone")
	}
	if _, err := h.orch.Lookup(ctx, "inst-1"); !fault.Is(err, fault.CategoryNotFound) {
		t.Errorf("slot should be empty, got %v", err)
	}

	// Empty slot deprovision is not-found, not a silent success.
	if err := h.orch.Deprovision(ctx, "inst-1"); !fault.Is(err, fault.CategoryNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestDeprovision_BackendFailureStillRemovesRecord(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	rec, err := h.orch.Provision(ctx, validParams("inst-1"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	// A stray backend resource is reconciliation's problem; the record
	// must not stay pinned behind a failing delete.
	h.be.deleteErr = errors.New("engine busy")
	if err := h.orch.Deprovision(ctx, "inst-1"); err != nil {
		t.Fatalf("deprovision: %v", err)
	}

	if _, err := h.orch.Get(ctx, rec.ID); !fault.Is(err, fault.CategoryNotFound) {
		t.Fatalf("expected not_found after deprovision, got %v", err)
	}
	if err := h.orch.Deprovision(ctx, "inst-1"); !fault.Is(err, fault.CategoryNotFound) {
		t.Fatalf("expected empty slot, got %v", err)
	}
}

func TestTouch_Monotonic(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	rec, err := h.orch.Provision(ctx, validParams("inst-1"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	h.advance(time.Minute)
	if err := h.orch.Touch(ctx, "inst-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := h.orch.Get(ctx, rec.ID)
	touched := after.LastActiveAt

	// A clock that stepped backwards must not rewind activity.
	h.advance(-10 * time.Minute)
	if err := h.orch.Touch(ctx, "inst-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ = h.orch.Get(ctx, rec.ID)
	if !after.LastActiveAt.Equal(touched) {
		t.Errorf("last_active_at moved backwards: %v -> %v", touched, after.LastActiveAt)
	}

	if err := h.orch.Touch(ctx, "ghost"); !fault.Is(err, fault.CategoryNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestExec_CountsAsActivity(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	rec, err := h.orch.Provision(ctx, validParams("inst-1"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	h.advance(time.Hour)
	res, err := h.orch.Exec(ctx, "inst-1", sidecar.ExecRequest{Command: []string{"ls"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "ok" || h.sc.execs != 1 {
		t.Errorf("unexpected exec result %+v (execs=%d)", res, h.sc.execs)
	}

	after, _ := h.orch.Get(ctx, rec.ID)
	if !after.LastActiveAt.Equal(h.nowTime) {
		t.Errorf("exec must refresh activity, got %v", after.LastActiveAt)
	}
}

func reaperOver(h *testHarness, pol Policy) *Reaper {
	r := NewReaper(h.orch, func() Policy { return pol })
	r.now = func() time.Time { return h.nowTime }
	return r
}

func TestReaper_IdleTimeout(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	if _, err := h.orch.Provision(ctx, validParams("idle")); err != nil {
		t.Fatalf("provision: %v", err)
	}
	h.advance(30 * time.Minute)
	if _, err := h.orch.Provision(ctx, validParams("fresh")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	r := reaperOver(h, Policy{IdleTimeout: time.Hour})
	h.advance(45 * time.Minute) // idle at 75m, fresh at 45m
	r.Tick(ctx, h.nowTime)

	if _, err := h.orch.Lookup(ctx, "idle"); !fault.Is(err, fault.CategoryNotFound) {
		t.Errorf("idle sandbox should be evicted, got %v", err)
	}
	if _, err := h.orch.Lookup(ctx, "fresh"); err != nil {
		t.Errorf("fresh sandbox should survive: %v", err)
	}
}

func TestReaper_MaxLifetimeIgnoresActivity(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	if _, err := h.orch.Provision(ctx, validParams("inst-1")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	r := reaperOver(h, Policy{IdleTimeout: time.Hour, MaxLifetime: 2 * time.Hour})

	// Touch every 30 minutes for 2.5 hours: never idle, but past the cap.
	for i := 0; i < 5; i++ {
		h.advance(30 * time.Minute)
		if err := h.orch.Touch(ctx, "inst-1"); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	r.Tick(ctx, h.nowTime)

	if _, err := h.orch.Lookup(ctx, "inst-1"); !fault.Is(err, fault.CategoryNotFound) {
		t.Errorf("max lifetime must evict despite activity, got %v", err)
	}
}

func TestReaper_ZeroThresholdsDisable(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	if _, err := h.orch.Provision(ctx, validParams("inst-1")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	r := reaperOver(h, Policy{})
	h.advance(1000 * time.Hour)
	r.Tick(ctx, h.nowTime)

	if _, err := h.orch.Lookup(ctx, "inst-1"); err != nil {
		t.Errorf("no thresholds, no eviction: %v", err)
	}
}

func TestReaper_IntervalFollowsPolicy(t *testing.T) {
	h := newHarness(t, store.BackendLocal)

	pol := Policy{Interval: time.Minute}
	r := NewReaper(h.orch, func() Policy { return pol })

	if got := r.tickInterval(); got != time.Minute {
		t.Errorf("got interval %v, want %v", got, time.Minute)
	}

	// A hot-reloaded policy changes the interval on the next read.
	pol.Interval = 5 * time.Second
	if got := r.tickInterval(); got != 5*time.Second {
		t.Errorf("got interval %v, want %v", got, 5*time.Second)
	}

	pol.Interval = 0
	if got := r.tickInterval(); got != time.Minute {
		t.Errorf("unset interval should fall back to %v, got %v", time.Minute, got)
	}
}

func TestReconcile_DropsStaleRecords(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	rec, err := h.orch.Provision(ctx, validParams("inst-1"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	kept, err := h.orch.Provision(ctx, validParams("inst-2"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	// The first resource dies behind our back.
	h.be.mu.Lock()
	delete(h.be.live, rec.ID)
	h.be.mu.Unlock()

	r := reaperOver(h, Policy{OrphanPolicy: OrphanRemove})
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := h.orch.Lookup(ctx, "inst-1"); !fault.Is(err, fault.CategoryNotFound) {
		t.Errorf("stale record should be dropped, got %v", err)
	}
	got, err := h.orch.Lookup(ctx, "inst-2")
	if err != nil {
		t.Fatalf("live record should survive the rewrite: %v", err)
	}
	if got.ID != kept.ID {
		t.Errorf("surviving record changed identity: got %s, want %s", got.ID, kept.ID)
	}
}

func TestReconcile_OrphanPolicies(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	// A resource exists that no record tracks.
	h.be.mu.Lock()
	h.be.live["orphan-1"] = true
	h.be.mu.Unlock()

	r := reaperOver(h, Policy{OrphanPolicy: OrphanPreserve})
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !h.be.isLive("orphan-1") {
		t.Fatal("preserve policy must not touch orphans")
	}

	r = reaperOver(h, Policy{OrphanPolicy: OrphanRemove})
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h.be.isLive("orphan-1") {
		t.Error("remove policy must tear down orphans")
	}
}

func TestReconcile_FixedPoint(t *testing.T) {
	h := newHarness(t, store.BackendLocal)
	ctx := context.Background()

	if _, err := h.orch.Provision(ctx, validParams("inst-1")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	r := reaperOver(h, Policy{OrphanPolicy: OrphanRemove})
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	deletesAfterFirst := h.be.deletes

	// A second pass over a consistent state changes nothing.
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h.be.deletes != deletesAfterFirst {
		t.Errorf("second pass issued deletes: %d -> %d", deletesAfterFirst, h.be.deletes)
	}
	if _, err := h.orch.Lookup(ctx, "inst-1"); err != nil {
		t.Errorf("tracked sandbox must survive reconciliation: %v", err)
	}
}
