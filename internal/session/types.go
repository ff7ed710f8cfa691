// Package session implements the session lifecycle engine for Sanduku.
// Each session binds one user to an isolated sandbox unit plus a persistent
// volume. The Registry is the sole authority over session status: every
// transition goes through its persisted state machine, serialized per session.
//
// Core invariant: a session has at most one live sandbox unit at any time.
// `running` implies a recorded unit reference; `stopped`, `cleanup` and
// `destroyed` imply no unit reference. The volume outlives unit stop/recreate
// cycles and is removed only when the session itself is destroyed.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors forming the engine's error taxonomy. Callers classify
// failures with errors.Is; messages carry context via wrapping.
var (
	// ErrNotFound indicates the referenced session, file or share does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status change that is not a legal edge
	// of the session state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrValidation indicates malformed input (empty project name, bad share
	// permissions, empty file path).
	ErrValidation = errors.New("validation failed")

	// ErrIsolationViolation indicates an access that crosses a session
	// boundary. Always fatal to the triggering operation, never auto-corrected.
	ErrIsolationViolation = errors.New("isolation violation")

	// ErrForbidden indicates a permission or ownership check failed.
	ErrForbidden = errors.New("forbidden")

	// ErrDriver indicates a sandbox driver call failed or timed out.
	// Start failures roll the session back to stopped and surface this.
	ErrDriver = errors.New("sandbox driver failure")

	// ErrExpired indicates a share is past its expiry.
	ErrExpired = errors.New("expired")
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCleanup   Status = "cleanup"
	StatusDestroyed Status = "destroyed"
)

// Transitional reports whether the status is an in-flight edge state.
// Sessions stuck in a transitional status are recovered by the supervisor.
func (s Status) Transitional() bool {
	return s == StatusStarting || s == StatusStopping
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDestroyed
}

// Session is the durable record of one user's sandbox-backed workspace.
type Session struct {
	ID           uuid.UUID
	UserID       string
	ProjectName  string
	Description  string
	UnitRef      string // Sandbox unit ID. Empty = no unit recorded.
	VolumeName   string // Persistent volume name, allocated once at creation.
	Status       Status
	IsActive     bool
	Config       map[string]any // Opaque runtime config (language, ports, ...).
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
}

// Live reports whether the session still accepts reads of its child records.
// Destroyed sessions are tombstones; their children are gone.
func (s *Session) Live() bool {
	return s.Status != StatusDestroyed
}

// SessionFile is file metadata scoped to exactly one session.
// Path is unique within a session; files are never shared across sessions.
type SessionFile struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	Path           string
	Name           string
	FileType       string
	Size           int64
	ContentPreview string
	Language       string // Detected language, for display.
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TerminalRecord is one executed command and its captured result.
// Append-only, scoped to one session, retention-capped by the supervisor.
type TerminalRecord struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	Command       string
	Output        string
	ExitCode      int
	WorkingDir    string
	ExecutedAt    time.Time
	ExecutionTime time.Duration
}

// Snapshot is a named point-in-time checkpoint of a session's file set.
// It records count and total size, not file contents.
type Snapshot struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	Name        string
	Description string
	FileCount   int
	TotalSize   int64
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Permissions is the capability triple a share grants on a session.
type Permissions struct {
	Read    bool
	Write   bool
	Execute bool
}

// Empty reports whether the set grants nothing. Revoked and expired shares
// resolve to an empty set rather than an error.
func (p Permissions) Empty() bool {
	return !p.Read && !p.Write && !p.Execute
}

// Covers reports whether p grants everything need asks for.
func (p Permissions) Covers(need Permissions) bool {
	if need.Read && !p.Read {
		return false
	}
	if need.Write && !p.Write {
		return false
	}
	if need.Execute && !p.Execute {
		return false
	}
	return true
}

// String renders the set in rwx form, e.g. "rw-".
func (p Permissions) String() string {
	b := [3]byte{'-', '-', '-'}
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	return string(b[:])
}

// Share grants a capability triple on one session to a registered grantee or
// to the anonymous bearer of its token. Independently revocable.
type Share struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	GranterID   string
	GranteeID   string // Empty = anonymous bearer share.
	Token       string // Bearer credential. Set only when GranteeID is empty.
	Permissions Permissions
	ExpiresAt   *time.Time // Nil = never expires.
	CreatedAt   time.Time
	IsActive    bool
}

// Expired reports whether the share is past its expiry at the given instant.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// CreateRequest contains the fields needed to create a session.
type CreateRequest struct {
	UserID      string
	ProjectName string
	Description string
	Config      map[string]any
}

// NewID generates a new random session-scoped entity ID.
func NewID() uuid.UUID {
	return uuid.New()
}
