package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/sanduku/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDriver simulates the sandbox runtime: units bound to volumes,
// with switchable failures for unreachable-runtime scenarios.
type fakeDriver struct {
	mu      sync.Mutex
	units   map[string]string // unit id -> volume
	running map[string]bool
	volumes map[string]bool
	seq     int

	stopCalls         int
	destroyCalls      int
	removeVolumeCalls int
	failStop          bool
	failDestroy       bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		units:   make(map[string]string),
		running: make(map[string]bool),
		volumes: make(map[string]bool),
	}
}

func (d *fakeDriver) Create(_ context.Context, volume string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, vol := range d.units {
		if vol == volume {
			return id, nil
		}
	}
	d.seq++
	id := fmt.Sprintf("unit-%d", d.seq)
	d.units[id] = volume
	d.volumes[volume] = true
	return id, nil
}

func (d *fakeDriver) Start(_ context.Context, unitID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.units[unitID]; !ok {
		return fmt.Errorf("%w: %s", session.ErrUnitNotFound, unitID)
	}
	d.running[unitID] = true
	return nil
}

func (d *fakeDriver) Stop(_ context.Context, unitID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls++
	if d.failStop {
		return fmt.Errorf("unit runtime unavailable")
	}
	if _, ok := d.units[unitID]; !ok {
		return fmt.Errorf("%w: %s", session.ErrUnitNotFound, unitID)
	}
	delete(d.running, unitID)
	return nil
}

func (d *fakeDriver) Destroy(_ context.Context, unitID string, keepVolume bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCalls++
	if d.failDestroy {
		return fmt.Errorf("unit runtime unavailable")
	}
	vol, ok := d.units[unitID]
	if !ok {
		return nil
	}
	delete(d.units, unitID)
	delete(d.running, unitID)
	if !keepVolume {
		delete(d.volumes, vol)
	}
	return nil
}

func (d *fakeDriver) RemoveVolume(_ context.Context, volume string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeVolumeCalls++
	if d.failDestroy {
		return fmt.Errorf("volume runtime unavailable")
	}
	for id, vol := range d.units {
		if vol == volume {
			delete(d.units, id)
			delete(d.running, id)
		}
	}
	delete(d.volumes, volume)
	return nil
}

func (d *fakeDriver) Exec(_ context.Context, _ string, _ []string, _ string) (*session.ExecResult, error) {
	return &session.ExecResult{ExitCode: 0}, nil
}

func (d *fakeDriver) hasUnit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.units[id]
	return ok
}

func (d *fakeDriver) isRunning(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[id]
}

func (d *fakeDriver) hasVolume(v string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[v]
}

type harness struct {
	sup   *Supervisor
	reg   *session.Registry
	store *session.MemoryStore
	drv   *fakeDriver
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := session.NewMemoryStore()
	drv := newFakeDriver()
	logger := testLogger()
	reg := session.NewRegistry(store.Sessions(), store.Files(), store.Terminal(), store.Snapshots(), drv, nil, nil, logger, 0)
	sup, err := New(reg, store.Sessions(), store.Terminal(), drv, nil, logger, cfg)
	if err != nil {
		t.Fatalf("creating supervisor: %v", err)
	}
	return &harness{sup: sup, reg: reg, store: store, drv: drv}
}

func (h *harness) create(t *testing.T) *session.Session {
	t.Helper()
	s, err := h.reg.CreateSession(context.Background(), &session.CreateRequest{UserID: "alice", ProjectName: "proj"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (h *harness) get(t *testing.T, id uuid.UUID) *session.Session {
	t.Helper()
	s, err := h.reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

// quiet lets the timestamps written during setup age past the tiny
// test thresholds before the sweep takes its cutoffs.
func quiet() { time.Sleep(5 * time.Millisecond) }

// calm returns a config where every threshold is far away, so single
// steps can be isolated by overriding one field.
func calm() Config {
	return Config{
		Schedule:          "@every 1h",
		IdleTimeout:       time.Hour,
		CleanupAfter:      time.Hour,
		DestroyGrace:      time.Hour,
		StuckTimeout:      time.Hour,
		TerminalRetention: 100000,
		DriverTimeout:     time.Second,
	}
}

func TestSweep_StopsIdleSession(t *testing.T) {
	cfg := calm()
	cfg.IdleTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	s := h.create(t)
	started, err := h.reg.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	unit := started.UnitRef

	quiet()
	h.sup.Sweep(ctx)

	got := h.get(t, s.ID)
	if got.Status != session.StatusStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
	if got.UnitRef != "" {
		t.Errorf("unit ref = %q, want cleared", got.UnitRef)
	}
	if !got.IsActive {
		t.Error("idle stop must not deactivate the session")
	}

	// Stopped, not destroyed: the unit record and the volume survive.
	if !h.drv.hasUnit(unit) {
		t.Error("unit destroyed by idle stop")
	}
	if h.drv.isRunning(unit) {
		t.Error("unit still running after idle stop")
	}
	if !h.drv.hasVolume(s.VolumeName) {
		t.Error("volume lost on idle stop")
	}
}

func TestSweep_RecoversStuckStarting(t *testing.T) {
	cfg := calm()
	cfg.StuckTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	s := h.create(t)
	if _, err := h.reg.Transition(ctx, s.ID, session.StatusStarting); err != nil {
		t.Fatalf("transition: %v", err)
	}

	quiet()
	h.sup.Sweep(ctx)

	got := h.get(t, s.ID)
	if got.Status != session.StatusStopped {
		t.Errorf("status = %s, want stopped after rollback", got.Status)
	}
}

func TestSweep_RecoversStuckStopping(t *testing.T) {
	cfg := calm()
	cfg.StuckTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	s := h.create(t)
	if _, err := h.reg.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.reg.Transition(ctx, s.ID, session.StatusStopping); err != nil {
		t.Fatalf("transition: %v", err)
	}

	quiet()
	h.sup.Sweep(ctx)

	got := h.get(t, s.ID)
	if got.Status != session.StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	if !got.IsActive {
		t.Error("recovered session deactivated despite reachable unit")
	}
	if h.drv.stopCalls == 0 {
		t.Error("unit never stopped during recovery")
	}
}

func TestSweep_StuckStoppingUnreachableUnit(t *testing.T) {
	cfg := calm()
	cfg.StuckTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	s := h.create(t)
	if _, err := h.reg.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.reg.Transition(ctx, s.ID, session.StatusStopping); err != nil {
		t.Fatalf("transition: %v", err)
	}
	h.drv.failStop = true

	quiet()
	h.sup.Sweep(ctx)

	got := h.get(t, s.ID)
	if got.Status != session.StatusCleanup {
		t.Fatalf("status = %s, want cleanup for unreachable unit", got.Status)
	}
	if got.IsActive {
		t.Error("session with unreachable unit left active")
	}
}

func TestSweep_MarksAbandoned(t *testing.T) {
	cfg := calm()
	cfg.CleanupAfter = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	parked := h.create(t)
	live := h.create(t)
	started, err := h.reg.Start(ctx, live.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	quiet()
	h.sup.Sweep(ctx)

	for _, id := range []uuid.UUID{parked.ID, live.ID} {
		got := h.get(t, id)
		if got.Status != session.StatusCleanup {
			t.Errorf("session %s: status = %s, want cleanup", id, got.Status)
		}
		if got.IsActive {
			t.Errorf("session %s still active after abandonment", id)
		}
	}

	// The running one had its unit stopped on the way out.
	if h.drv.isRunning(started.UnitRef) {
		t.Error("abandoned session's unit left running")
	}
}

func TestSweep_HardDestroysAfterGrace(t *testing.T) {
	cfg := calm()
	cfg.DestroyGrace = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	s := h.create(t)
	// Park the unit and volume in the driver, then queue for cleanup.
	if _, err := h.reg.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.reg.Stop(ctx, s.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := h.reg.Transition(ctx, s.ID, session.StatusCleanup); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := h.store.Files().Upsert(ctx, &session.SessionFile{
		ID: uuid.New(), SessionID: s.ID, Path: "main.go", Name: "main.go",
	}); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	quiet()
	h.sup.Sweep(ctx)

	got := h.get(t, s.ID)
	if got.Status != session.StatusDestroyed {
		t.Fatalf("status = %s, want destroyed", got.Status)
	}
	files, _ := h.store.Files().ListBySession(ctx, s.ID)
	if len(files) != 0 {
		t.Errorf("files = %d, want 0 after cascade", len(files))
	}
	if h.drv.hasVolume(s.VolumeName) {
		t.Error("volume survived hard destroy")
	}
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	cfg := calm()
	cfg.DestroyGrace = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	a := h.create(t)
	b := h.create(t)
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if _, err := h.reg.Transition(ctx, id, session.StatusCleanup); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	h.drv.failDestroy = true

	quiet()
	h.sup.Sweep(ctx)

	// Both were attempted despite the first failing.
	if h.drv.removeVolumeCalls != 2 {
		t.Errorf("volume removal attempts = %d, want 2", h.drv.removeVolumeCalls)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if got := h.get(t, id); got.Status != session.StatusCleanup {
			t.Errorf("session %s: status = %s, want cleanup retained for retry", id, got.Status)
		}
	}

	// The next sweep retries and succeeds.
	h.drv.failDestroy = false
	quiet()
	h.sup.Sweep(ctx)
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if got := h.get(t, id); got.Status != session.StatusDestroyed {
			t.Errorf("session %s: status = %s, want destroyed on retry", id, got.Status)
		}
	}
}

func TestSweep_PrunesTerminalHistory(t *testing.T) {
	cfg := calm()
	cfg.TerminalRetention = 10
	h := newHarness(t, cfg)
	ctx := context.Background()

	s := h.create(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		if err := h.store.Terminal().Append(ctx, &session.TerminalRecord{
			ID:         uuid.New(),
			SessionID:  s.ID,
			Command:    "cmd",
			ExecutedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	h.sup.Sweep(ctx)

	count, err := h.store.Terminal().CountBySession(ctx, s.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Errorf("records = %d, want 10 after pruning", count)
	}
}

func TestStart_SweepsOnStartup(t *testing.T) {
	cfg := calm()
	cfg.IdleTimeout = time.Nanosecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	s := h.create(t)
	if _, err := h.reg.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	quiet()

	cancel := h.sup.Start(ctx)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if h.get(t, s.ID).Status == session.StatusStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup sweep did not stop the idle session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweep_RefreshesStatusGauge(t *testing.T) {
	store := session.NewMemoryStore()
	drv := newFakeDriver()
	logger := testLogger()
	reg := session.NewRegistry(store.Sessions(), store.Files(), store.Terminal(), store.Snapshots(), drv, nil, nil, logger, 0)

	promReg := prometheus.NewRegistry()
	sup, err := New(reg, store.Sessions(), store.Terminal(), drv, NewMetrics(promReg), logger, calm())
	if err != nil {
		t.Fatalf("creating supervisor: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := reg.CreateSession(ctx, &session.CreateRequest{UserID: "alice", ProjectName: "proj"}); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	sup.Sweep(ctx)

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "sanduku_supervisor_sessions_by_status" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == "stopped" && m.GetGauge().GetValue() == 2 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("sessions_by_status gauge not refreshed with 2 stopped sessions")
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	store := session.NewMemoryStore()
	drv := newFakeDriver()
	logger := testLogger()
	reg := session.NewRegistry(store.Sessions(), store.Files(), store.Terminal(), store.Snapshots(), drv, nil, nil, logger, 0)

	cfg := calm()
	cfg.Schedule = "not a schedule"
	if _, err := New(reg, store.Sessions(), store.Terminal(), drv, nil, logger, cfg); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if m := NewMetrics(nil); m != nil {
		t.Fatal("expected nil Metrics for nil registry")
	}
}
