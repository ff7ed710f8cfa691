package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements every session store interface over in-memory maps.
// Used when no database is configured, and by tests. All sub-stores share
// one lock; values are copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*Session
	files     map[uuid.UUID]map[string]*SessionFile // session -> path -> file
	terminal  map[uuid.UUID][]*TerminalRecord
	snapshots map[uuid.UUID][]*Snapshot
	shares    map[uuid.UUID]*Share
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[uuid.UUID]*Session),
		files:     make(map[uuid.UUID]map[string]*SessionFile),
		terminal:  make(map[uuid.UUID][]*TerminalRecord),
		snapshots: make(map[uuid.UUID][]*Snapshot),
		shares:    make(map[uuid.UUID]*Share),
	}
}

// Sub-store accessors. The returned views share the store's lock.

func (m *MemoryStore) Sessions() SessionStore   { return &memorySessions{m} }
func (m *MemoryStore) Files() FileStore         { return &memoryFiles{m} }
func (m *MemoryStore) Terminal() TerminalStore  { return &memoryTerminal{m} }
func (m *MemoryStore) Snapshots() SnapshotStore { return &memorySnapshots{m} }
func (m *MemoryStore) Shares() ShareStore       { return &memoryShares{m} }

// Migrate is a no-op for the in-memory backend.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }

// Driver returns the storage driver name.
func (m *MemoryStore) Driver() string { return "memory" }

// Inventory dumps all session-scoped state under one lock hold.
func (m *MemoryStore) Inventory(_ context.Context) (*Inventory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv := &Inventory{}
	for _, s := range m.sessions {
		inv.Sessions = append(inv.Sessions, *copySession(s))
	}
	sortSessions(inv.Sessions)
	for _, byPath := range m.files {
		for _, f := range byPath {
			inv.Files = append(inv.Files, *f)
		}
	}
	for _, recs := range m.terminal {
		for _, r := range recs {
			inv.Records = append(inv.Records, *r)
		}
	}
	for _, snaps := range m.snapshots {
		for _, s := range snaps {
			inv.Snapshots = append(inv.Snapshots, *s)
		}
	}
	for _, sh := range m.shares {
		inv.Shares = append(inv.Shares, *copyShare(sh))
	}
	return inv, nil
}

// --- sessions ---

type memorySessions struct{ m *MemoryStore }

func (s *memorySessions) Create(_ context.Context, sess *Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, exists := s.m.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.m.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *memorySessions) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return copySession(sess), nil
}

func (s *memorySessions) List(_ context.Context) ([]Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var result []Session
	for _, sess := range s.m.sessions {
		result = append(result, *copySession(sess))
	}
	sortSessions(result)
	return result, nil
}

func (s *memorySessions) ListByUser(_ context.Context, userID string) ([]Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var result []Session
	for _, sess := range s.m.sessions {
		if sess.UserID == userID && sess.Status != StatusDestroyed {
			result = append(result, *copySession(sess))
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *memorySessions) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, unitRef *string, isActive *bool) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return false, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.Status != from {
		return false, nil
	}
	sess.Status = to
	if unitRef != nil {
		sess.UnitRef = *unitRef
	}
	if isActive != nil {
		sess.IsActive = *isActive
	}
	sess.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memorySessions) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	sess.LastActivity = at
	return nil
}

func (s *memorySessions) DestroyCascade(_ context.Context, id uuid.UUID) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	sess.Status = StatusDestroyed
	sess.UnitRef = ""
	sess.IsActive = false
	sess.UpdatedAt = time.Now().UTC()

	delete(s.m.files, id)
	delete(s.m.terminal, id)
	delete(s.m.snapshots, id)
	for shareID, sh := range s.m.shares {
		if sh.SessionID == id {
			delete(s.m.shares, shareID)
		}
	}
	return nil
}

func (s *memorySessions) ListIdleRunning(_ context.Context, cutoff time.Time) ([]Session, error) {
	return s.filter(func(sess *Session) bool {
		return sess.Status == StatusRunning && sess.LastActivity.Before(cutoff)
	})
}

func (s *memorySessions) ListAbandoned(_ context.Context, cutoff time.Time) ([]Session, error) {
	return s.filter(func(sess *Session) bool {
		return (sess.Status == StatusStopped || sess.Status == StatusRunning) &&
			sess.LastActivity.Before(cutoff)
	})
}

func (s *memorySessions) ListStuck(_ context.Context, cutoff time.Time) ([]Session, error) {
	return s.filter(func(sess *Session) bool {
		return sess.Status.Transitional() && sess.UpdatedAt.Before(cutoff)
	})
}

func (s *memorySessions) ListCleanupBefore(_ context.Context, cutoff time.Time) ([]Session, error) {
	return s.filter(func(sess *Session) bool {
		return sess.Status == StatusCleanup && sess.UpdatedAt.Before(cutoff)
	})
}

func (s *memorySessions) CountByStatus(_ context.Context) (map[Status]int64, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	counts := make(map[Status]int64)
	for _, sess := range s.m.sessions {
		counts[sess.Status]++
	}
	return counts, nil
}

func (s *memorySessions) filter(keep func(*Session) bool) ([]Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var result []Session
	for _, sess := range s.m.sessions {
		if keep(sess) {
			result = append(result, *copySession(sess))
		}
	}
	sortSessions(result)
	return result, nil
}

// --- files ---

type memoryFiles struct{ m *MemoryStore }

func (f *memoryFiles) Upsert(_ context.Context, file *SessionFile) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	byPath := f.m.files[file.SessionID]
	if byPath == nil {
		byPath = make(map[string]*SessionFile)
		f.m.files[file.SessionID] = byPath
	}
	cp := *file
	if prev, ok := byPath[file.Path]; ok {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	}
	byPath[file.Path] = &cp
	return nil
}

func (f *memoryFiles) Get(_ context.Context, sessionID uuid.UUID, path string) (*SessionFile, error) {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	file, ok := f.m.files[sessionID][path]
	if !ok {
		return nil, fmt.Errorf("file %s in session %s: %w", path, sessionID, ErrNotFound)
	}
	cp := *file
	return &cp, nil
}

func (f *memoryFiles) ListBySession(_ context.Context, sessionID uuid.UUID) ([]SessionFile, error) {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	var result []SessionFile
	for _, file := range f.m.files[sessionID] {
		result = append(result, *file)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

func (f *memoryFiles) Delete(_ context.Context, sessionID uuid.UUID, path string) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if _, ok := f.m.files[sessionID][path]; !ok {
		return fmt.Errorf("file %s in session %s: %w", path, sessionID, ErrNotFound)
	}
	delete(f.m.files[sessionID], path)
	return nil
}

func (f *memoryFiles) Stats(_ context.Context, sessionID uuid.UUID) (int64, int64, error) {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	var count, total int64
	for _, file := range f.m.files[sessionID] {
		count++
		total += file.Size
	}
	return count, total, nil
}

// --- terminal ---

type memoryTerminal struct{ m *MemoryStore }

func (t *memoryTerminal) Append(_ context.Context, rec *TerminalRecord) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cp := *rec
	t.m.terminal[rec.SessionID] = append(t.m.terminal[rec.SessionID], &cp)
	return nil
}

func (t *memoryTerminal) ListBySession(_ context.Context, sessionID uuid.UUID, limit int) ([]TerminalRecord, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	recs := t.m.terminal[sessionID]
	result := make([]TerminalRecord, 0, len(recs))
	for _, rec := range recs {
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExecutedAt.After(result[j].ExecutedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memoryTerminal) CountBySession(_ context.Context, sessionID uuid.UUID) (int64, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return int64(len(t.m.terminal[sessionID])), nil
}

func (t *memoryTerminal) SessionsOverCap(_ context.Context, limit int) ([]uuid.UUID, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var result []uuid.UUID
	for id, recs := range t.m.terminal {
		if len(recs) > limit {
			result = append(result, id)
		}
	}
	return result, nil
}

func (t *memoryTerminal) PruneBySession(_ context.Context, sessionID uuid.UUID, keep int) (int64, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	recs := t.m.terminal[sessionID]
	if keep < 0 {
		keep = 0
	}
	if len(recs) <= keep {
		return 0, nil
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ExecutedAt.After(recs[j].ExecutedAt)
	})
	deleted := int64(len(recs) - keep)
	t.m.terminal[sessionID] = recs[:keep]
	return deleted, nil
}

// --- snapshots ---

type memorySnapshots struct{ m *MemoryStore }

func (s *memorySnapshots) Create(_ context.Context, snap *Snapshot) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *snap
	if snap.Metadata != nil {
		cp.Metadata = copyMap(snap.Metadata)
	}
	s.m.snapshots[snap.SessionID] = append(s.m.snapshots[snap.SessionID], &cp)
	return nil
}

func (s *memorySnapshots) ListBySession(_ context.Context, sessionID uuid.UUID) ([]Snapshot, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	snaps := s.m.snapshots[sessionID]
	result := make([]Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		cp := *snap
		if snap.Metadata != nil {
			cp.Metadata = copyMap(snap.Metadata)
		}
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// --- shares ---

type memoryShares struct{ m *MemoryStore }

func (s *memoryShares) Create(_ context.Context, sh *Share) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if sh.Token != "" {
		for _, existing := range s.m.shares {
			if existing.Token == sh.Token {
				return fmt.Errorf("share token already in use")
			}
		}
	}
	s.m.shares[sh.ID] = copyShare(sh)
	return nil
}

func (s *memoryShares) Get(_ context.Context, id uuid.UUID) (*Share, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sh, ok := s.m.shares[id]
	if !ok {
		return nil, fmt.Errorf("share %s: %w", id, ErrNotFound)
	}
	return copyShare(sh), nil
}

func (s *memoryShares) GetByToken(_ context.Context, token string) (*Share, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, sh := range s.m.shares {
		if sh.Token != "" && sh.Token == token {
			return copyShare(sh), nil
		}
	}
	return nil, fmt.Errorf("share token: %w", ErrNotFound)
}

func (s *memoryShares) GetByGrantee(_ context.Context, sessionID uuid.UUID, granteeID string) (*Share, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var latest *Share
	for _, sh := range s.m.shares {
		if sh.SessionID != sessionID || sh.GranteeID != granteeID || !sh.IsActive {
			continue
		}
		if latest == nil || sh.CreatedAt.After(latest.CreatedAt) {
			latest = sh
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("share for grantee %s on session %s: %w", granteeID, sessionID, ErrNotFound)
	}
	return copyShare(latest), nil
}

func (s *memoryShares) ListBySession(_ context.Context, sessionID uuid.UUID) ([]Share, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var result []Share
	for _, sh := range s.m.shares {
		if sh.SessionID == sessionID {
			result = append(result, *copyShare(sh))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *memoryShares) Revoke(_ context.Context, id uuid.UUID) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sh, ok := s.m.shares[id]
	if !ok {
		return fmt.Errorf("share %s: %w", id, ErrNotFound)
	}
	sh.IsActive = false
	return nil
}

// --- copy helpers ---

func copySession(s *Session) *Session {
	cp := *s
	if s.Config != nil {
		cp.Config = copyMap(s.Config)
	}
	return &cp
}

func copyShare(s *Share) *Share {
	cp := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

// Compile-time checks.
var (
	_ SessionStore  = (*memorySessions)(nil)
	_ FileStore     = (*memoryFiles)(nil)
	_ TerminalStore = (*memoryTerminal)(nil)
	_ SnapshotStore = (*memorySnapshots)(nil)
	_ ShareStore    = (*memoryShares)(nil)
)
