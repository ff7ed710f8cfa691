package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store interfaces are defined here, next to the entities they persist.
// The sqlite and postgres backends implement them over GORM; MemoryStore
// implements them over maps for development and tests.

// SessionStore is the persistence interface for session records.
// The Registry is the only writer of session status.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context) ([]Session, error)

	// ListByUser returns the user's sessions, omitting destroyed tombstones.
	ListByUser(ctx context.Context, userID string) ([]Session, error)

	// UpdateStatus performs a guarded status change: the write applies only
	// if the stored status still equals from (compare-and-swap). Returns
	// false with a nil error when another writer won the race. unitRef and
	// isActive are applied when non-nil.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, unitRef *string, isActive *bool) (bool, error)

	// Touch bumps last_activity to the given instant.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// DestroyCascade marks the session destroyed, clears its unit reference
	// and deletes all child files, terminal records, snapshots and shares in
	// one transaction. Idempotent.
	DestroyCascade(ctx context.Context, id uuid.UUID) error

	// Supervisor sweep queries. All derive from persisted state only.

	// ListIdleRunning returns running sessions whose last_activity is before cutoff.
	ListIdleRunning(ctx context.Context, cutoff time.Time) ([]Session, error)

	// ListAbandoned returns stopped or running sessions whose last_activity
	// is before cutoff.
	ListAbandoned(ctx context.Context, cutoff time.Time) ([]Session, error)

	// ListStuck returns starting or stopping sessions whose updated_at is
	// before cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]Session, error)

	// ListCleanupBefore returns cleanup sessions whose updated_at is before cutoff.
	ListCleanupBefore(ctx context.Context, cutoff time.Time) ([]Session, error)

	// CountByStatus returns the number of sessions per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// FileStore is the persistence interface for session file metadata.
type FileStore interface {
	// Upsert inserts or replaces the record keyed by (session_id, path).
	// An existing record keeps its identity and created_at.
	Upsert(ctx context.Context, f *SessionFile) error
	Get(ctx context.Context, sessionID uuid.UUID, path string) (*SessionFile, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]SessionFile, error)
	Delete(ctx context.Context, sessionID uuid.UUID, path string) error

	// Stats returns the file count and total size for a session.
	Stats(ctx context.Context, sessionID uuid.UUID) (count int64, totalSize int64, err error)
}

// TerminalStore is the persistence interface for terminal history.
// Records are append-only; the supervisor prunes them past the retention cap.
type TerminalStore interface {
	Append(ctx context.Context, rec *TerminalRecord) error

	// ListBySession returns up to limit records, most recent first by
	// executed_at. limit <= 0 means no limit.
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]TerminalRecord, error)

	CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error)

	// SessionsOverCap returns the IDs of sessions holding more than limit records.
	SessionsOverCap(ctx context.Context, limit int) ([]uuid.UUID, error)

	// PruneBySession deletes all but the keep most recent records (by
	// executed_at) for a session. Returns the number deleted.
	PruneBySession(ctx context.Context, sessionID uuid.UUID, keep int) (int64, error)
}

// SnapshotStore is the persistence interface for session snapshots.
type SnapshotStore interface {
	Create(ctx context.Context, snap *Snapshot) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Snapshot, error)
}

// ShareStore is the persistence interface for session shares.
type ShareStore interface {
	Create(ctx context.Context, sh *Share) error
	Get(ctx context.Context, id uuid.UUID) (*Share, error)
	GetByToken(ctx context.Context, token string) (*Share, error)

	// GetByGrantee returns the most recently created active share for the
	// grantee on the session.
	GetByGrantee(ctx context.Context, sessionID uuid.UUID, granteeID string) (*Share, error)

	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Share, error)

	// Revoke sets is_active=false. Revoking an already-revoked share is a no-op.
	Revoke(ctx context.Context, id uuid.UUID) error
}

// Inventory is a full dump of session-scoped state across all stores,
// taken for diagnostics and isolation audits. Store implementations
// should produce it from one consistent read where the backend allows.
type Inventory struct {
	Sessions  []Session
	Files     []SessionFile
	Records   []TerminalRecord
	Snapshots []Snapshot
	Shares    []Share
}
