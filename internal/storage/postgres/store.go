package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	sessions  session.SessionStore
	files     session.FileStore
	terminal  session.TerminalStore
	snapshots session.SnapshotStore
	shares    session.ShareStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// Inventory dumps all session-scoped state in one transaction.
func (s *Store) Inventory(ctx context.Context) (*session.Inventory, error) {
	return DumpInventory(ctx, s.pgDB.GormDB())
}

// --- Sub-store accessors ---

func (s *Store) Sessions() session.SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = NewSessionRepository(s.pgDB.GormDB())
	}
	return s.sessions
}

func (s *Store) Files() session.FileStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = NewFileRepository(s.pgDB.GormDB())
	}
	return s.files
}

func (s *Store) Terminal() session.TerminalStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		s.terminal = NewTerminalRepository(s.pgDB.GormDB())
	}
	return s.terminal
}

func (s *Store) Snapshots() session.SnapshotStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots == nil {
		s.snapshots = NewSnapshotRepository(s.pgDB.GormDB())
	}
	return s.snapshots
}

func (s *Store) Shares() session.ShareStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shares == nil {
		s.shares = NewShareRepository(s.pgDB.GormDB())
	}
	return s.shares
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
