// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (path derived from data dir).
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	Supervisor    SupervisorConfig     `json:"supervisor" yaml:"supervisor"`
	Driver        DriverConfig         `json:"driver" yaml:"driver"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing/health disabled.
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SANDUKU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SessionsConfig holds the session lifecycle thresholds. These are product
// policy, not structural invariants; all have defaults.
type SessionsConfig struct {
	IdleTimeoutMinutes   int `json:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`     // Running without activity. Default: 30.
	CleanupAfterHours    int `json:"cleanup_after_hours" yaml:"cleanup_after_hours"`       // Inactive before cleanup. Default: 168 (7 days).
	DestroyGraceHours    int `json:"destroy_grace_hours" yaml:"destroy_grace_hours"`       // In cleanup before hard destroy. Default: 24.
	StuckTimeoutMinutes  int `json:"stuck_timeout_minutes" yaml:"stuck_timeout_minutes"`   // Transitional before recovery. Default: 5.
	TerminalRetention    int `json:"terminal_retention" yaml:"terminal_retention"`         // Terminal records kept per session. Default: 1000.
	DriverTimeoutSeconds int `json:"driver_timeout_seconds" yaml:"driver_timeout_seconds"` // Bound on sandbox driver calls. Default: 60.
}

// IdleTimeout returns the idle shutdown threshold with a default of 30m.
func (s *SessionsConfig) IdleTimeout() time.Duration {
	if s != nil && s.IdleTimeoutMinutes > 0 {
		return time.Duration(s.IdleTimeoutMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// CleanupAfter returns the abandonment threshold with a default of 7 days.
func (s *SessionsConfig) CleanupAfter() time.Duration {
	if s != nil && s.CleanupAfterHours > 0 {
		return time.Duration(s.CleanupAfterHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// DestroyGrace returns the cleanup grace window with a default of 24h.
func (s *SessionsConfig) DestroyGrace() time.Duration {
	if s != nil && s.DestroyGraceHours > 0 {
		return time.Duration(s.DestroyGraceHours) * time.Hour
	}
	return 24 * time.Hour
}

// StuckTimeout returns the transitional-status recovery threshold with a default of 5m.
func (s *SessionsConfig) StuckTimeout() time.Duration {
	if s != nil && s.StuckTimeoutMinutes > 0 {
		return time.Duration(s.StuckTimeoutMinutes) * time.Minute
	}
	return 5 * time.Minute
}

// Retention returns the terminal history cap with a default of 1000.
func (s *SessionsConfig) Retention() int {
	if s != nil && s.TerminalRetention > 0 {
		return s.TerminalRetention
	}
	return 1000
}

// DriverTimeout returns the per-call driver bound with a default of 60s.
func (s *SessionsConfig) DriverTimeout() time.Duration {
	if s != nil && s.DriverTimeoutSeconds > 0 {
		return time.Duration(s.DriverTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// SupervisorConfig configures the reconciliation sweep.
type SupervisorConfig struct {
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression or descriptor like "@every 2m". Default: "@every 2m".
}

// SweepSchedule returns the sweep schedule with a default of "@every 2m".
func (s *SupervisorConfig) SweepSchedule() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "@every 2m"
}

// DriverConfig configures the sandbox driver.
type DriverConfig struct {
	Type                string `json:"type" yaml:"type"`                                   // "local" (default).
	Root                string `json:"root,omitempty" yaml:"root,omitempty"`               // Volume root directory. Default: <data_dir>/volumes.
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Wall-clock timeout per command. Default: 30.
	MaxCPUSeconds       int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // CPU-seconds per command. Default: 60.
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Address-space limit per command. Default: 512.
}

// DriverType returns the driver type with a default of "local".
func (d *DriverConfig) DriverType() string {
	if d != nil && d.Type != "" {
		return d.Type
	}
	return "local"
}

// ExecTimeout returns the per-command timeout with a default of 30s.
func (d *DriverConfig) ExecTimeout() time.Duration {
	if d != nil && d.MaxExecutionSeconds > 0 {
		return time.Duration(d.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	ListenAddr string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8088".
	EnableDocs bool            `json:"enable_docs" yaml:"enable_docs"` // Serve OpenAPI docs.
	RateLimit  RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-operator rate limiting on the admin API.
// Zero RequestsPerMinute disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int `json:"burst" yaml:"burst"`
}

// Addr returns the listen address with a default of ":8088".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8088"
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsEnabled reports whether Prometheus metrics exposition is on.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o != nil && o.Metrics != nil && o.Metrics.Enabled
}

// TracingEnabled reports whether OTLP trace export is on.
func (o *ObservabilityConfig) TracingEnabled() bool {
	return o != nil && o.Tracing != nil && o.Tracing.Enabled
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
// When the section is omitted, all checks are registered; providing the
// section takes explicit control over each check.
type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db"`
	IncludeDriver bool `json:"include_driver" yaml:"include_driver"`
}

// DBCheckEnabled reports whether readiness should ping the database.
func (h *HealthConfig) DBCheckEnabled() bool {
	if h == nil {
		return true
	}
	return h.IncludeDB
}

// DriverCheckEnabled reports whether readiness should verify the sandbox driver.
func (h *HealthConfig) DriverCheckEnabled() bool {
	if h == nil {
		return true
	}
	return h.IncludeDriver
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".sanduku", "data")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides maps SANDUKU_* environment variables onto the config.
// Env vars take precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if envDD := os.Getenv("SANDUKU_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("SANDUKU_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envAddr := os.Getenv("SANDUKU_LISTEN_ADDR"); envAddr != "" {
		cfg.Server.ListenAddr = envAddr
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sanduku", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// VolumesRoot returns the sandbox volume root directory.
func (c *Config) VolumesRoot() string {
	if c.Driver.Root != "" {
		resolved, err := resolvePath(c.Driver.Root)
		if err != nil {
			return c.Driver.Root
		}
		return resolved
	}
	return filepath.Join(c.ResolvedDataDir(), "volumes")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Validate checks the configuration for invalid values. The zero Config is
// valid: every knob has a working default.
func (c *Config) Validate() error {
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.Driver == "postgres" {
		if (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") && os.Getenv("SANDUKU_DB_DSN") == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set SANDUKU_DB_DSN)")
		}
	}
	for name, v := range map[string]int{
		"sessions.idle_timeout_minutes":   c.Sessions.IdleTimeoutMinutes,
		"sessions.cleanup_after_hours":    c.Sessions.CleanupAfterHours,
		"sessions.destroy_grace_hours":    c.Sessions.DestroyGraceHours,
		"sessions.stuck_timeout_minutes":  c.Sessions.StuckTimeoutMinutes,
		"sessions.terminal_retention":     c.Sessions.TerminalRetention,
		"sessions.driver_timeout_seconds": c.Sessions.DriverTimeoutSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch c.Driver.DriverType() {
	case "local":
		// valid
	default:
		return fmt.Errorf("driver.type %q is not supported (use local)", c.Driver.Type)
	}
	if c.Driver.MaxMemoryMB < 0 {
		return fmt.Errorf("driver.max_memory_mb must not be negative")
	}
	if c.Driver.MaxExecutionSeconds < 0 {
		return fmt.Errorf("driver.max_execution_seconds must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
