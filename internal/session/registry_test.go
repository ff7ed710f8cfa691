package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDriver simulates sandbox units and volumes in memory.
type fakeDriver struct {
	mu      sync.Mutex
	units   map[string]string // unitID -> volume
	started map[string]bool
	volumes map[string]bool

	createCalls  int
	startCalls   int
	stopCalls    int
	destroyCalls int
	execCalls    int

	failCreate bool
	failStart  bool
	failExec   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		units:   make(map[string]string),
		started: make(map[string]bool),
		volumes: make(map[string]bool),
	}
}

func (d *fakeDriver) Create(_ context.Context, volume string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls++
	if d.failCreate {
		return "", fmt.Errorf("create refused")
	}
	d.volumes[volume] = true
	for id, vol := range d.units {
		if vol == volume {
			return id, nil
		}
	}
	id := fmt.Sprintf("unit-%d", d.createCalls)
	d.units[id] = volume
	return id, nil
}

func (d *fakeDriver) Start(_ context.Context, unitID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startCalls++
	if d.failStart {
		return fmt.Errorf("start refused")
	}
	if _, ok := d.units[unitID]; !ok {
		return ErrUnitNotFound
	}
	d.started[unitID] = true
	return nil
}

func (d *fakeDriver) Stop(_ context.Context, unitID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls++
	if _, ok := d.units[unitID]; !ok {
		return ErrUnitNotFound
	}
	delete(d.started, unitID)
	return nil
}

func (d *fakeDriver) Destroy(_ context.Context, unitID string, keepVolume bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCalls++
	vol, ok := d.units[unitID]
	if !ok {
		return nil
	}
	delete(d.units, unitID)
	delete(d.started, unitID)
	if !keepVolume {
		delete(d.volumes, vol)
	}
	return nil
}

func (d *fakeDriver) RemoveVolume(_ context.Context, volume string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.volumes, volume)
	return nil
}

func (d *fakeDriver) Exec(_ context.Context, unitID string, _ []string, _ string) (*ExecResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execCalls++
	if d.failExec {
		return nil, fmt.Errorf("exec refused")
	}
	if !d.started[unitID] {
		return nil, fmt.Errorf("unit %s is not started", unitID)
	}
	return &ExecResult{Stdout: "ok", ExitCode: 0, Duration: 5 * time.Millisecond}, nil
}

func (d *fakeDriver) hasVolume(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[name]
}

func (d *fakeDriver) hasUnit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.units[id]
	return ok
}

// fakeGuard mirrors the isolation guard's write assertion.
type fakeGuard struct{}

func (fakeGuard) AssertWrite(activeID, recordSessionID uuid.UUID, kind string) error {
	if activeID != recordSessionID {
		return fmt.Errorf("%w: %s record for session %s under active session %s",
			ErrIsolationViolation, kind, recordSessionID, activeID)
	}
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *MemoryStore, *fakeDriver) {
	t.Helper()
	store := NewMemoryStore()
	driver := newFakeDriver()
	reg := NewRegistry(
		store.Sessions(), store.Files(), store.Terminal(), store.Snapshots(),
		driver, fakeGuard{}, nil, testLogger(), 0,
	)
	return reg, store, driver
}

func mustCreate(t *testing.T, reg *Registry, user, project string) *Session {
	t.Helper()
	s, err := reg.CreateSession(context.Background(), &CreateRequest{UserID: user, ProjectName: project})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

// --- CreateSession ---

func TestCreateSession_Defaults(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	s := mustCreate(t, reg, "alice", "  web-app  ")
	if s.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", s.Status)
	}
	if s.ProjectName != "web-app" {
		t.Errorf("project = %q, want trimmed %q", s.ProjectName, "web-app")
	}
	if s.VolumeName == "" {
		t.Error("expected a volume name to be allocated")
	}
	if s.UnitRef != "" {
		t.Errorf("unit ref = %q, want empty (lazy start)", s.UnitRef)
	}
	if !s.IsActive {
		t.Error("new session should be active")
	}
}

func TestCreateSession_Validation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *CreateRequest
	}{
		{"nil request", nil},
		{"empty user", &CreateRequest{ProjectName: "p"}},
		{"empty project", &CreateRequest{UserID: "alice"}},
		{"whitespace project", &CreateRequest{UserID: "alice", ProjectName: "   "}},
	}
	for _, tc := range cases {
		if _, err := reg.CreateSession(ctx, tc.req); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}
}

func TestCreateSession_UniqueVolumes(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	a := mustCreate(t, reg, "alice", "one")
	b := mustCreate(t, reg, "alice", "two")
	if a.VolumeName == b.VolumeName {
		t.Errorf("both sessions share volume %q", a.VolumeName)
	}
}

// --- Transition ---

func TestTransition_SameStatusIsNoOp(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	before, _ := reg.Get(ctx, s.ID)

	got, err := reg.Transition(ctx, s.ID, StatusStopped)
	if err != nil {
		t.Fatalf("no-op transition: %v", err)
	}
	if got.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	after, _ := reg.Get(ctx, s.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("no-op transition changed updated_at: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestTransition_IllegalEdge(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	if _, err := reg.Transition(ctx, s.ID, StatusDestroyed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stopped -> destroyed: err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransition_NotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.Transition(context.Background(), uuid.New(), StatusStarting); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransition_RunningRequiresUnit(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	if _, err := reg.Transition(ctx, s.ID, StatusStarting); err != nil {
		t.Fatalf("stopped -> starting: %v", err)
	}
	if _, err := reg.Transition(ctx, s.ID, StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("starting -> running without unit: err = %v, want ErrInvalidTransition", err)
	}
}

// --- Start / Stop ---

func TestStart_CreatesAndBootsUnitOnce(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	running, err := reg.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if running.Status != StatusRunning {
		t.Errorf("status = %s, want running", running.Status)
	}
	if running.UnitRef == "" {
		t.Error("running session should record its unit")
	}
	if driver.createCalls != 1 || driver.startCalls != 1 {
		t.Errorf("driver calls = %d create / %d start, want 1/1", driver.createCalls, driver.startCalls)
	}

	// Starting again is a no-op without touching the driver.
	again, err := reg.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if again.UnitRef != running.UnitRef {
		t.Errorf("unit changed across idempotent start: %q -> %q", running.UnitRef, again.UnitRef)
	}
	if driver.createCalls != 1 {
		t.Errorf("create calls = %d after idempotent start, want 1", driver.createCalls)
	}
}

func TestStart_DriverFailureRollsBack(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()
	driver.failCreate = true

	s := mustCreate(t, reg, "alice", "p")
	_, err := reg.Start(ctx, s.ID)
	if !errors.Is(err, ErrDriver) {
		t.Fatalf("err = %v, want ErrDriver", err)
	}

	got, _ := reg.Get(ctx, s.ID)
	if got.Status != StatusStopped {
		t.Errorf("status after failed start = %s, want stopped (rollback)", got.Status)
	}
	if got.UnitRef != "" {
		t.Errorf("unit ref = %q, want empty after rollback", got.UnitRef)
	}
}

func TestStart_BootFailureRollsBack(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()
	driver.failStart = true

	s := mustCreate(t, reg, "alice", "p")
	if _, err := reg.Start(ctx, s.ID); !errors.Is(err, ErrDriver) {
		t.Fatalf("err = %v, want ErrDriver", err)
	}
	got, _ := reg.Get(ctx, s.ID)
	if got.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
}

func TestStart_ConcurrentCallersShareOneUnit(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Start(ctx, s.ID)
		}()
	}
	wg.Wait()

	if driver.createCalls != 1 {
		t.Errorf("create calls = %d, want exactly 1", driver.createCalls)
	}
	got, _ := reg.Get(ctx, s.ID)
	if got.Status != StatusRunning {
		t.Errorf("final status = %s, want running", got.Status)
	}
}

func TestStop_PreservesVolume(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	running, err := reg.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	stopped, err := reg.Stop(ctx, s.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", stopped.Status)
	}
	if stopped.UnitRef != "" {
		t.Errorf("unit ref = %q, want cleared", stopped.UnitRef)
	}
	if !driver.hasVolume(s.VolumeName) {
		t.Error("volume should survive a stop")
	}
	if !driver.hasUnit(running.UnitRef) {
		t.Error("unit should survive a stop (halted, not destroyed)")
	}

	// Stopping again is a no-op.
	if _, err := reg.Stop(ctx, s.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStop_InvalidFromCleanup(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	if _, err := reg.Transition(ctx, s.ID, StatusCleanup); err != nil {
		t.Fatalf("to cleanup: %v", err)
	}
	if _, err := reg.Stop(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stop from cleanup: err = %v, want ErrInvalidTransition", err)
	}
}

// --- Touch ---

func TestTouch(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	before, _ := reg.Get(ctx, s.ID)

	time.Sleep(5 * time.Millisecond)
	if err := reg.Touch(ctx, s.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := reg.Get(ctx, s.ID)
	if !after.LastActivity.After(before.LastActivity) {
		t.Errorf("last_activity not advanced: %v -> %v", before.LastActivity, after.LastActivity)
	}

	if err := reg.Touch(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("touch unknown: err = %v, want ErrNotFound", err)
	}
}

// --- DestroySession ---

func TestDestroySession_CascadesChildren(t *testing.T) {
	reg, store, driver := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	running, err := reg.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := reg.PutFile(ctx, s.ID, &SessionFile{SessionID: s.ID, Path: "main.go", Size: 42}); err != nil {
		t.Fatalf("put file: %v", err)
	}
	if _, err := reg.RunCommand(ctx, s.ID, []string{"go", "build"}, "/work"); err != nil {
		t.Fatalf("run command: %v", err)
	}
	if _, err := reg.CreateSnapshot(ctx, s.ID, "v1", "", nil); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sh := &Share{ID: uuid.New(), SessionID: s.ID, GranterID: "alice", Token: "tok", Permissions: Permissions{Read: true}, IsActive: true, CreatedAt: time.Now().UTC()}
	if err := store.Shares().Create(ctx, sh); err != nil {
		t.Fatalf("share: %v", err)
	}

	if err := reg.DestroySession(ctx, s.ID, false); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	got, err := reg.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if got.Status != StatusDestroyed || got.UnitRef != "" || got.IsActive {
		t.Errorf("tombstone = %s/unit=%q/active=%v, want destroyed, empty, inactive", got.Status, got.UnitRef, got.IsActive)
	}

	files, _ := store.Files().ListBySession(ctx, s.ID)
	recs, _ := store.Terminal().ListBySession(ctx, s.ID, 0)
	snaps, _ := store.Snapshots().ListBySession(ctx, s.ID)
	shares, _ := store.Shares().ListBySession(ctx, s.ID)
	if len(files)+len(recs)+len(snaps)+len(shares) != 0 {
		t.Errorf("cascade left %d files, %d records, %d snapshots, %d shares",
			len(files), len(recs), len(snaps), len(shares))
	}

	if driver.hasUnit(running.UnitRef) {
		t.Error("unit should be destroyed")
	}
	if driver.hasVolume(s.VolumeName) {
		t.Error("volume should be removed when keepVolume=false")
	}

	// Destroying again is a no-op.
	if err := reg.DestroySession(ctx, s.ID, false); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestDestroySession_KeepVolume(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	if _, err := reg.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.DestroySession(ctx, s.ID, true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !driver.hasVolume(s.VolumeName) {
		t.Error("volume should be kept when keepVolume=true")
	}
}

func TestDestroySession_NotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if err := reg.DestroySession(context.Background(), uuid.New(), false); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// --- Files / terminal / snapshots ---

func TestPutFile_UpsertsByPath(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	if err := reg.PutFile(ctx, s.ID, &SessionFile{SessionID: s.ID, Path: "src/main.go", Size: 10}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	first, err := store.Files().Get(ctx, s.ID, "src/main.go")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := reg.PutFile(ctx, s.ID, &SessionFile{SessionID: s.ID, Path: "src/main.go", Size: 99}); err != nil {
		t.Fatalf("second put: %v", err)
	}
	files, _ := reg.ListFiles(ctx, s.ID)
	if len(files) != 1 {
		t.Fatalf("file count = %d, want 1 (upsert by path)", len(files))
	}
	if files[0].Size != 99 {
		t.Errorf("size = %d, want 99", files[0].Size)
	}
	if files[0].ID != first.ID {
		t.Errorf("identity changed across upsert: %s -> %s", first.ID, files[0].ID)
	}
	if files[0].Name != "main.go" {
		t.Errorf("name = %q, want derived %q", files[0].Name, "main.go")
	}
}

func TestPutFile_RejectsCrossSessionWrite(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, reg, "alice", "a")
	b := mustCreate(t, reg, "bob", "b")

	err := reg.PutFile(ctx, b.ID, &SessionFile{SessionID: a.ID, Path: "leak.txt"})
	if !errors.Is(err, ErrIsolationViolation) {
		t.Fatalf("err = %v, want ErrIsolationViolation", err)
	}

	// Nothing was written to either session.
	aFiles, _ := reg.ListFiles(ctx, a.ID)
	bFiles, _ := reg.ListFiles(ctx, b.ID)
	if len(aFiles)+len(bFiles) != 0 {
		t.Errorf("rejected write left %d + %d files behind", len(aFiles), len(bFiles))
	}
}

func TestDeleteFile(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	if err := reg.PutFile(ctx, s.ID, &SessionFile{Path: "tmp.txt"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := reg.DeleteFile(ctx, s.ID, "tmp.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := reg.DeleteFile(ctx, s.ID, "tmp.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestRunCommand_LazyStartsAndRecords(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")

	rec, err := reg.RunCommand(ctx, s.ID, []string{"echo", "hi"}, "/work")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Command != "echo hi" {
		t.Errorf("command = %q, want %q", rec.Command, "echo hi")
	}
	if rec.Output != "ok" || rec.ExitCode != 0 {
		t.Errorf("result = %q/%d, want ok/0", rec.Output, rec.ExitCode)
	}
	if rec.WorkingDir != "/work" {
		t.Errorf("workdir = %q, want /work", rec.WorkingDir)
	}
	if driver.createCalls != 1 || driver.execCalls != 1 {
		t.Errorf("driver calls = %d create / %d exec, want 1/1", driver.createCalls, driver.execCalls)
	}

	got, _ := reg.Get(ctx, s.ID)
	if got.Status != StatusRunning {
		t.Errorf("status after exec = %s, want running (lazy start)", got.Status)
	}

	history, err := reg.Terminal(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if len(history) != 1 || history[0].Command != "echo hi" {
		t.Errorf("history = %v, want the one executed command", history)
	}
}

func TestRunCommand_DriverFailure(t *testing.T) {
	reg, _, driver := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	if _, err := reg.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	driver.failExec = true

	if _, err := reg.RunCommand(ctx, s.ID, []string{"boom"}, ""); !errors.Is(err, ErrDriver) {
		t.Errorf("err = %v, want ErrDriver", err)
	}
	history, _ := reg.Terminal(ctx, s.ID, 0)
	if len(history) != 0 {
		t.Errorf("failed exec should not append history, got %d records", len(history))
	}
}

func TestRunCommand_Validation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	s := mustCreate(t, reg, "alice", "p")
	if _, err := reg.RunCommand(context.Background(), s.ID, nil, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestTerminal_NewestFirstWithLimit(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		rec := &TerminalRecord{
			SessionID:  s.ID,
			Command:    fmt.Sprintf("cmd-%d", i),
			ExecutedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := reg.AppendRecord(ctx, s.ID, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := reg.Terminal(ctx, s.ID, 3)
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Command != "cmd-4" || got[2].Command != "cmd-2" {
		t.Errorf("order = [%s .. %s], want newest first cmd-4 .. cmd-2", got[0].Command, got[2].Command)
	}
}

func TestCreateSnapshot_CountsFiles(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	s := mustCreate(t, reg, "alice", "p")
	_ = reg.PutFile(ctx, s.ID, &SessionFile{Path: "a.go", Size: 100})
	_ = reg.PutFile(ctx, s.ID, &SessionFile{Path: "b.go", Size: 250})

	snap, err := reg.CreateSnapshot(ctx, s.ID, "checkpoint", "before refactor", map[string]any{"tag": "v1"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.FileCount != 2 || snap.TotalSize != 350 {
		t.Errorf("snapshot = %d files / %d bytes, want 2/350", snap.FileCount, snap.TotalSize)
	}

	if _, err := reg.CreateSnapshot(ctx, s.ID, "  ", "", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("empty name: err = %v, want ErrValidation", err)
	}

	snaps, err := reg.ListSnapshots(ctx, s.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Name != "checkpoint" {
		t.Errorf("snapshots = %v, want the one created", snaps)
	}
}

// --- Listing ---

func TestListForUser_ExcludesDestroyed(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	keep := mustCreate(t, reg, "alice", "keep")
	gone := mustCreate(t, reg, "alice", "gone")
	mustCreate(t, reg, "bob", "other")

	if err := reg.DestroySession(ctx, gone.ID, false); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	got, err := reg.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != keep.ID {
		t.Errorf("list = %d sessions, want only %s", len(got), keep.ID)
	}

	all, _ := reg.List(ctx)
	if len(all) != 3 {
		t.Errorf("admin list = %d, want 3 including tombstone", len(all))
	}
}

// --- Invariants under random legal operations ---

func TestLifecycleInvariants_RandomWalk(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		s := mustCreate(t, reg, "walker", fmt.Sprintf("p%d", i))
		ids = append(ids, s.ID)
	}

	for i := 0; i < 600; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(6) {
		case 0:
			_, _ = reg.Start(ctx, id)
		case 1:
			_, _ = reg.Stop(ctx, id)
		case 2:
			_ = reg.Touch(ctx, id)
		case 3:
			_, _ = reg.Transition(ctx, id, StatusCleanup)
		case 4:
			_, _ = reg.Transition(ctx, id, StatusDestroyed)
		case 5:
			_, _ = reg.RunCommand(ctx, id, []string{"true"}, "")
		}

		sessions, err := store.Sessions().List(ctx)
		if err != nil {
			t.Fatalf("op %d: list: %v", i, err)
		}
		for _, s := range sessions {
			if s.Status == StatusRunning && s.UnitRef == "" {
				t.Fatalf("op %d: running session %s has no unit", i, s.ID)
			}
			if (s.Status == StatusStopped || s.Status == StatusCleanup || s.Status == StatusDestroyed) && s.UnitRef != "" {
				t.Fatalf("op %d: %s session %s still holds unit %q", i, s.Status, s.ID, s.UnitRef)
			}
		}
	}
}
