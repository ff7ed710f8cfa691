// Package storage defines the unified Store interface that abstracts all persistence operations.
// Three backends implement it: SQLite (default, zero-config), PostgreSQL
// (production) and the in-memory store (tests, ephemeral runs).
package storage

import (
	"context"

	"github.com/jkaninda/sanduku/internal/session"
)

// Store is the unified persistence interface for Sanduku.
// It provides access to all session-scoped sub-stores through accessor methods.
type Store interface {
	// Sub-store accessors — each returns a domain-specific store interface.
	// The returned stores share the same underlying connection scope.
	Sessions() session.SessionStore
	Files() session.FileStore
	Terminal() session.TerminalStore
	Snapshots() session.SnapshotStore
	Shares() session.ShareStore

	// Inventory dumps all session-scoped state in one consistent read.
	// The isolation guard audits it for cross-session references.
	Inventory(ctx context.Context) (*session.Inventory, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite", "postgres" or "memory").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `yaml:"driver" json:"driver"` // "sqlite" (default), "postgres" or "memory"
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path" json:"path,omitempty"`       // Database file path. Default: data/sanduku.db.
	JournalMode string `yaml:"journal_mode" json:"journal_mode"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `yaml:"dsn" json:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s" json:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory is the in-memory driver name.
const DriverMemory = "memory"

// The in-memory store satisfies the full interface, so tests and
// databaseless runs can use it wherever a Store is expected.
var _ Store = (*session.MemoryStore)(nil)
