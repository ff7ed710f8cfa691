package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column. The SQLite backend
// reuses the same models; there the column degrades to TEXT.
type JSONB json.RawMessage

// SessionModel maps to the "sessions" table. Destroyed sessions stay as
// tombstone rows; their children are deleted by the cascade.
type SessionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index:idx_sessions_user"`
	ProjectName  string    `gorm:"not null"`
	Description  string    `gorm:"type:text"`
	UnitRef      string    `gorm:"not null;default:''"`
	VolumeName   string    `gorm:"not null;uniqueIndex"`
	Status       string    `gorm:"not null;index:idx_sessions_status"`
	// No column default: GORM skips zero-valued fields that carry one, which
	// would turn "create inactive" into "create active".
	IsActive bool `gorm:"not null"`
	Config       JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
	LastActivity time.Time `gorm:"index"`
}

func (SessionModel) TableName() string { return "sessions" }

// SessionFileModel maps to the "session_files" table.
// Path is unique per session; upserts preserve row identity and created_at.
type SessionFileModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_session_files_path"`
	Path           string    `gorm:"not null;uniqueIndex:idx_session_files_path"`
	Name           string    `gorm:"not null"`
	FileType       string    `gorm:"not null;default:''"`
	Size           int64     `gorm:"not null;default:0"`
	ContentPreview string    `gorm:"type:text"`
	Language       string    `gorm:"not null;default:''"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (SessionFileModel) TableName() string { return "session_files" }

// TerminalRecordModel maps to the "terminal_records" table.
// Append-only. No UpdatedAt or DeletedAt.
type TerminalRecordModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID       uuid.UUID `gorm:"type:uuid;not null;index:idx_terminal_session_time"`
	Command         string    `gorm:"type:text;not null"`
	Output          string    `gorm:"type:text"`
	ExitCode        int       `gorm:"not null;default:0"`
	WorkingDir      string    `gorm:"not null;default:''"`
	ExecutedAt      time.Time `gorm:"index:idx_terminal_session_time"`
	ExecutionTimeMS int64     `gorm:"not null;default:0"`
}

func (TerminalRecordModel) TableName() string { return "terminal_records" }

// SnapshotModel maps to the "session_snapshots" table.
// Append-only. No UpdatedAt or DeletedAt.
type SnapshotModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:"type:text"`
	FileCount   int       `gorm:"not null;default:0"`
	TotalSize   int64     `gorm:"not null;default:0"`
	Metadata    JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt   time.Time
}

func (SnapshotModel) TableName() string { return "session_snapshots" }

// ShareModel maps to the "session_shares" table. Token is set only for
// anonymous bearer shares; token uniqueness is enforced by the repository
// because empty tokens on grantee shares would collide under a unique index.
type ShareModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID   uuid.UUID `gorm:"type:uuid;not null;index"`
	GranterID   string    `gorm:"not null"`
	GranteeID   string    `gorm:"not null;default:'';index"`
	Token       string    `gorm:"not null;default:'';index"`
	PermRead    bool      `gorm:"not null"`
	PermWrite   bool      `gorm:"not null"`
	PermExecute bool      `gorm:"not null"`
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	IsActive    bool `gorm:"not null;index"`
}

func (ShareModel) TableName() string { return "session_shares" }
