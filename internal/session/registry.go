package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultDriverTimeout = 60 * time.Second

// WriteGuard validates session-scoped writes before they are persisted.
// The isolation package provides the real implementation.
type WriteGuard interface {
	AssertWrite(activeID, recordSessionID uuid.UUID, kind string) error
}

// Registry is the state-transition authority over session records: the sole
// writer of session status. Transitions for one session are serialized
// through a per-session lock; the lock is never held across a driver call.
// Cross-process writers are serialized by the store's compare-and-swap.
type Registry struct {
	sessions  SessionStore
	files     FileStore
	terminal  TerminalStore
	snapshots SnapshotStore
	driver    Driver
	guard     WriteGuard
	metrics   *Metrics
	logger    *slog.Logger
	locks     *lockTable

	driverTimeout time.Duration
}

// NewRegistry creates a Registry. driverTimeout bounds every sandbox driver
// call; zero or negative selects the default of 60s.
func NewRegistry(
	sessions SessionStore,
	files FileStore,
	terminal TerminalStore,
	snapshots SnapshotStore,
	driver Driver,
	guard WriteGuard,
	metrics *Metrics,
	logger *slog.Logger,
	driverTimeout time.Duration,
) *Registry {
	if driverTimeout <= 0 {
		driverTimeout = defaultDriverTimeout
	}
	return &Registry{
		sessions:      sessions,
		files:         files,
		terminal:      terminal,
		snapshots:     snapshots,
		driver:        driver,
		guard:         guard,
		metrics:       metrics,
		logger:        logger,
		locks:         newLockTable(),
		driverTimeout: driverTimeout,
	}
}

// CreateSession allocates a new session with a fresh volume name.
// The sandbox unit is not created yet: sessions start lazily.
func (r *Registry) CreateSession(ctx context.Context, req *CreateRequest) (*Session, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrValidation)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	project := strings.TrimSpace(req.ProjectName)
	if project == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrValidation)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New(),
		UserID:       req.UserID,
		ProjectName:  project,
		Description:  req.Description,
		VolumeName:   newVolumeName(),
		Status:       StatusStopped,
		IsActive:     true,
		Config:       req.Config,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}

	// ID collisions are practically impossible but checked anyway.
	if _, err := r.sessions.Get(ctx, s.ID); err == nil {
		return nil, fmt.Errorf("%w: session id collision", ErrValidation)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("checking session id: %w", err)
	}

	if err := r.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if r.metrics != nil {
		r.metrics.SessionsCreated.Inc()
	}
	r.logger.Info("session created",
		slog.String("session_id", s.ID.String()),
		slog.String("user_id", s.UserID),
		slog.String("project", s.ProjectName),
		slog.String("volume", s.VolumeName),
	)
	return s, nil
}

// Get returns a session by ID, including destroyed tombstones.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.sessions.Get(ctx, id)
}

// List returns every session record, tombstones included.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	return r.sessions.List(ctx)
}

// ListForUser returns the user's sessions, omitting destroyed tombstones.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	return r.sessions.ListByUser(ctx, userID)
}

// Transition applies one edge of the state machine without driver
// side effects. A request targeting the session's current status is a no-op
// success. Entering running requires a recorded unit reference; only Start
// can supply one, so raw callers cannot fake a live unit.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, target Status) (*Session, error) {
	lock := r.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == target {
		return s, nil
	}
	if err := ValidateTransition(s.Status, target); err != nil {
		r.denied("invalid_edge")
		return nil, err
	}
	if target == StatusRunning && s.UnitRef == "" {
		r.denied("invalid_edge")
		return nil, fmt.Errorf("%w: running requires a sandbox unit", ErrInvalidTransition)
	}

	if target == StatusDestroyed {
		if err := r.sessions.DestroyCascade(ctx, id); err != nil {
			return nil, fmt.Errorf("destroying session %s: %w", id, err)
		}
		r.applied(s.Status, StatusDestroyed)
		if r.metrics != nil {
			r.metrics.SessionsDestroyed.Inc()
		}
		r.locks.drop(id)
		return r.sessions.Get(ctx, id)
	}

	return r.applyEdge(ctx, s, target, nil)
}

// Start brings a stopped session to running: claim starting, create and boot
// the sandbox unit (unlocked, bounded by the driver timeout), then commit
// running with the unit reference recorded. A session already starting or
// running is returned as-is. Driver failure rolls the claim back to stopped.
func (r *Registry) Start(ctx context.Context, id uuid.UUID) (*Session, error) {
	lock := r.locks.get(id)
	lock.Lock()
	s, err := r.sessions.Get(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	switch s.Status {
	case StatusStarting, StatusRunning:
		lock.Unlock()
		return s, nil
	case StatusStopped:
	default:
		lock.Unlock()
		r.denied("invalid_edge")
		return nil, fmt.Errorf("%w: cannot start session in status %s", ErrInvalidTransition, s.Status)
	}
	claimed, err := r.applyEdge(ctx, s, StatusStarting, nil)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, r.driverTimeout)
	defer cancel()

	unitID, err := r.driver.Create(dctx, claimed.VolumeName)
	if err != nil {
		r.rollbackStart(ctx, id)
		r.denied("driver")
		return nil, fmt.Errorf("%w: creating unit for session %s: %v", ErrDriver, id, err)
	}
	if err := r.driver.Start(dctx, unitID); err != nil {
		r.rollbackStart(ctx, id)
		r.denied("driver")
		return nil, fmt.Errorf("%w: starting unit %s for session %s: %v", ErrDriver, unitID, id, err)
	}

	lock.Lock()
	defer lock.Unlock()
	running, err := r.applyEdge(ctx, claimed, StatusRunning, &unitID)
	if err != nil {
		// The claim was taken over, e.g. the supervisor rolled back a stuck
		// start. Stop the freshly booted unit so it does not leak.
		sctx, scancel := context.WithTimeout(context.Background(), r.driverTimeout)
		defer scancel()
		_ = r.driver.Stop(sctx, unitID)
		return nil, err
	}

	now := time.Now().UTC()
	if terr := r.sessions.Touch(ctx, id, now); terr != nil {
		r.logger.Warn("touch after start failed",
			slog.String("session_id", id.String()),
			slog.String("error", terr.Error()),
		)
	} else {
		running.LastActivity = now
	}

	r.logger.Info("session started",
		slog.String("session_id", id.String()),
		slog.String("unit", unitID),
		slog.String("volume", running.VolumeName),
	)
	return running, nil
}

// Stop halts a running session's unit, preserving the unit and its volume.
// A session already stopped or stopping is returned as-is.
func (r *Registry) Stop(ctx context.Context, id uuid.UUID) (*Session, error) {
	lock := r.locks.get(id)
	lock.Lock()
	s, err := r.sessions.Get(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	switch s.Status {
	case StatusStopped, StatusStopping:
		lock.Unlock()
		return s, nil
	case StatusRunning:
	default:
		lock.Unlock()
		r.denied("invalid_edge")
		return nil, fmt.Errorf("%w: cannot stop session in status %s", ErrInvalidTransition, s.Status)
	}
	unitID := s.UnitRef
	claimed, err := r.applyEdge(ctx, s, StatusStopping, nil)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, r.driverTimeout)
	defer cancel()
	if unitID != "" {
		if err := r.driver.Stop(dctx, unitID); err != nil && !errors.Is(err, ErrUnitNotFound) {
			// Leave the session stopping; the supervisor's stuck recovery
			// finishes the edge from persisted state.
			r.denied("driver")
			return nil, fmt.Errorf("%w: stopping unit %s for session %s: %v", ErrDriver, unitID, id, err)
		}
	}

	lock.Lock()
	defer lock.Unlock()
	stopped, err := r.applyEdge(ctx, claimed, StatusStopped, nil)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session stopped",
		slog.String("session_id", id.String()),
		slog.String("unit", unitID),
	)
	return stopped, nil
}

// Touch bumps the session's last_activity. Side effect only; the only
// failure is an unknown session.
func (r *Registry) Touch(ctx context.Context, id uuid.UUID) error {
	return r.sessions.Touch(ctx, id, time.Now().UTC())
}

// DestroySession walks the session to cleanup, tears down its unit (and,
// unless keepVolume is set, its volume), then deletes all child records and
// marks the session destroyed in one transaction. Destroying an already
// destroyed session is a no-op. Driver failure leaves the session in
// cleanup for the supervisor's hard-destroy pass to retry.
func (r *Registry) DestroySession(ctx context.Context, id uuid.UUID, keepVolume bool) error {
	lock := r.locks.get(id)
	lock.Lock()
	s, err := r.sessions.Get(ctx, id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if s.Status == StatusDestroyed {
		lock.Unlock()
		return nil
	}

	unitID := s.UnitRef
	volume := s.VolumeName

	// Walk legal edges to cleanup under a single lock hold; starting and
	// stopping pass through stopped first.
	cur := s
	for cur.Status != StatusCleanup {
		next := StatusCleanup
		if cur.Status.Transitional() {
			next = StatusStopped
		}
		cur, err = r.applyEdge(ctx, cur, next, nil)
		if err != nil {
			lock.Unlock()
			return err
		}
	}
	lock.Unlock()

	dctx, cancel := context.WithTimeout(ctx, r.driverTimeout)
	defer cancel()
	if unitID != "" {
		if err := r.driver.Destroy(dctx, unitID, keepVolume); err != nil {
			r.denied("driver")
			return fmt.Errorf("%w: destroying unit %s for session %s: %v", ErrDriver, unitID, id, err)
		}
	}
	if !keepVolume && volume != "" {
		if err := r.driver.RemoveVolume(dctx, volume); err != nil {
			r.denied("driver")
			return fmt.Errorf("%w: removing volume %s for session %s: %v", ErrDriver, volume, id, err)
		}
	}

	lock.Lock()
	defer lock.Unlock()
	if err := r.sessions.DestroyCascade(ctx, id); err != nil {
		return fmt.Errorf("destroying session %s: %w", id, err)
	}
	r.applied(StatusCleanup, StatusDestroyed)
	if r.metrics != nil {
		r.metrics.SessionsDestroyed.Inc()
	}
	r.locks.drop(id)

	r.logger.Info("session destroyed",
		slog.String("session_id", id.String()),
		slog.Bool("keep_volume", keepVolume),
	)
	return nil
}

// PutFile upserts file metadata for the declared active session, guarded
// against cross-session writes. Bumps last_activity.
func (r *Registry) PutFile(ctx context.Context, activeID uuid.UUID, f *SessionFile) error {
	if f == nil || strings.TrimSpace(f.Path) == "" {
		return fmt.Errorf("%w: file path is required", ErrValidation)
	}
	if f.SessionID == uuid.Nil {
		f.SessionID = activeID
	}
	if r.guard != nil {
		if err := r.guard.AssertWrite(activeID, f.SessionID, "file"); err != nil {
			return err
		}
	}

	lock := r.locks.get(activeID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.sessions.Get(ctx, activeID)
	if err != nil {
		return err
	}
	if !s.Live() {
		return fmt.Errorf("%w: session %s is destroyed", ErrNotFound, activeID)
	}

	now := time.Now().UTC()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Name == "" {
		f.Name = path.Base(f.Path)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	if err := r.files.Upsert(ctx, f); err != nil {
		return fmt.Errorf("saving file %s: %w", f.Path, err)
	}
	r.touchQuiet(ctx, activeID, now)
	return nil
}

// ListFiles returns the session's file metadata. The session must not be destroyed.
func (r *Registry) ListFiles(ctx context.Context, activeID uuid.UUID) ([]SessionFile, error) {
	if err := r.requireLive(ctx, activeID); err != nil {
		return nil, err
	}
	return r.files.ListBySession(ctx, activeID)
}

// DeleteFile removes one file metadata record from the declared active
// session. Guarded like PutFile: the record's session is the active session
// by construction of the (session, path) key.
func (r *Registry) DeleteFile(ctx context.Context, activeID uuid.UUID, filePath string) error {
	if strings.TrimSpace(filePath) == "" {
		return fmt.Errorf("%w: file path is required", ErrValidation)
	}
	if r.guard != nil {
		if err := r.guard.AssertWrite(activeID, activeID, "file"); err != nil {
			return err
		}
	}

	lock := r.locks.get(activeID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.requireLive(ctx, activeID); err != nil {
		return err
	}
	if err := r.files.Delete(ctx, activeID, filePath); err != nil {
		return err
	}
	r.touchQuiet(ctx, activeID, time.Now().UTC())
	return nil
}

// AppendRecord appends a terminal record for the declared active session,
// guarded against cross-session writes. Status-agnostic so output captured
// around a stop can still be synced.
func (r *Registry) AppendRecord(ctx context.Context, activeID uuid.UUID, rec *TerminalRecord) error {
	if rec == nil || strings.TrimSpace(rec.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrValidation)
	}
	if rec.SessionID == uuid.Nil {
		rec.SessionID = activeID
	}
	if r.guard != nil {
		if err := r.guard.AssertWrite(activeID, rec.SessionID, "terminal"); err != nil {
			return err
		}
	}

	lock := r.locks.get(activeID)
	lock.Lock()
	defer lock.Unlock()

	s, err := r.sessions.Get(ctx, activeID)
	if err != nil {
		return err
	}
	if !s.Live() {
		return fmt.Errorf("%w: session %s is destroyed", ErrNotFound, activeID)
	}

	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = now
	}

	if err := r.terminal.Append(ctx, rec); err != nil {
		return fmt.Errorf("appending terminal record: %w", err)
	}
	r.touchQuiet(ctx, activeID, now)
	return nil
}

// RunCommand executes a command in the session's unit, starting the session
// first if needed, and appends the captured result to the terminal history.
func (r *Registry) RunCommand(ctx context.Context, activeID uuid.UUID, command []string, workdir string) (*TerminalRecord, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: command is required", ErrValidation)
	}

	s, err := r.Start(ctx, activeID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusRunning {
		// Another caller's start is still in flight; retry once it commits.
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, activeID, s.Status)
	}

	dctx, cancel := context.WithTimeout(ctx, r.driverTimeout)
	defer cancel()
	res, err := r.driver.Exec(dctx, s.UnitRef, command, workdir)
	if err != nil {
		r.denied("driver")
		return nil, fmt.Errorf("%w: exec in session %s: %v", ErrDriver, activeID, err)
	}

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Stderr
	}

	rec := &TerminalRecord{
		ID:            uuid.New(),
		SessionID:     activeID,
		Command:       strings.Join(command, " "),
		Output:        output,
		ExitCode:      res.ExitCode,
		WorkingDir:    workdir,
		ExecutedAt:    time.Now().UTC(),
		ExecutionTime: res.Duration,
	}
	if err := r.AppendRecord(ctx, activeID, rec); err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.CommandsExecuted.Inc()
	}
	return rec, nil
}

// Terminal returns up to limit most recent terminal records, newest first.
func (r *Registry) Terminal(ctx context.Context, activeID uuid.UUID, limit int) ([]TerminalRecord, error) {
	if err := r.requireLive(ctx, activeID); err != nil {
		return nil, err
	}
	return r.terminal.ListBySession(ctx, activeID, limit)
}

// CreateSnapshot records a named checkpoint of the session's current file
// set (count and total size at call time).
func (r *Registry) CreateSnapshot(ctx context.Context, activeID uuid.UUID, name, description string, metadata map[string]any) (*Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: snapshot name is required", ErrValidation)
	}
	if err := r.requireLive(ctx, activeID); err != nil {
		return nil, err
	}

	count, size, err := r.files.Stats(ctx, activeID)
	if err != nil {
		return nil, fmt.Errorf("collecting file stats: %w", err)
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		ID:          uuid.New(),
		SessionID:   activeID,
		Name:        name,
		Description: description,
		FileCount:   int(count),
		TotalSize:   size,
		Metadata:    metadata,
		CreatedAt:   now,
	}
	if err := r.snapshots.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}
	r.touchQuiet(ctx, activeID, now)
	return snap, nil
}

// ListSnapshots returns the session's snapshots.
func (r *Registry) ListSnapshots(ctx context.Context, activeID uuid.UUID) ([]Snapshot, error) {
	if err := r.requireLive(ctx, activeID); err != nil {
		return nil, err
	}
	return r.snapshots.ListBySession(ctx, activeID)
}

// applyEdge performs one compare-and-swap edge. The caller holds the session
// lock. unit overrides the unit reference; nil applies the invariant default
// (cleared when entering stopped, cleanup or destroyed). A lost swap against
// a writer that reached the same target converges to a no-op success.
func (r *Registry) applyEdge(ctx context.Context, cur *Session, to Status, unit *string) (*Session, error) {
	unitRef := unit
	if unitRef == nil && clearsUnit(to) {
		empty := ""
		unitRef = &empty
	}
	var active *bool
	if deactivates(to) {
		inactive := false
		active = &inactive
	}

	ok, err := r.sessions.UpdateStatus(ctx, cur.ID, cur.Status, to, unitRef, active)
	if err != nil {
		return nil, fmt.Errorf("applying %s -> %s on session %s: %w", cur.Status, to, cur.ID, err)
	}
	if !ok {
		latest, gerr := r.sessions.Get(ctx, cur.ID)
		if gerr != nil {
			return nil, gerr
		}
		if latest.Status == to {
			return latest, nil
		}
		r.denied("lost_race")
		return nil, fmt.Errorf("%w: session %s moved to %s while applying %s -> %s",
			ErrInvalidTransition, cur.ID, latest.Status, cur.Status, to)
	}

	r.applied(cur.Status, to)
	next := *cur
	next.Status = to
	if unitRef != nil {
		next.UnitRef = *unitRef
	}
	if active != nil {
		next.IsActive = *active
	}
	next.UpdatedAt = time.Now().UTC()
	return &next, nil
}

// rollbackStart returns a failed start to stopped. Best-effort: if the swap
// loses or the context is gone, the supervisor's stuck recovery finishes it.
func (r *Registry) rollbackStart(ctx context.Context, id uuid.UUID) {
	lock := r.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	empty := ""
	ok, err := r.sessions.UpdateStatus(ctx, id, StatusStarting, StatusStopped, &empty, nil)
	if err != nil {
		r.logger.Warn("start rollback failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if ok {
		r.applied(StatusStarting, StatusStopped)
	}
}

// requireLive fails with ErrNotFound when the session is absent or destroyed.
func (r *Registry) requireLive(ctx context.Context, id uuid.UUID) error {
	s, err := r.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Live() {
		return fmt.Errorf("%w: session %s is destroyed", ErrNotFound, id)
	}
	return nil
}

// touchQuiet bumps last_activity, logging instead of failing the caller.
func (r *Registry) touchQuiet(ctx context.Context, id uuid.UUID, at time.Time) {
	if err := r.sessions.Touch(ctx, id, at); err != nil {
		r.logger.Warn("touch failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) applied(from, to Status) {
	if r.metrics != nil {
		r.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (r *Registry) denied(reason string) {
	if r.metrics != nil {
		r.metrics.TransitionDenied.WithLabelValues(reason).Inc()
	}
}

// newVolumeName allocates a fresh, never-before-used volume name.
func newVolumeName() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "vol-" + hex.EncodeToString(b)
}
