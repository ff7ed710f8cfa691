package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/driver/local"
	"github.com/jkaninda/sanduku/internal/isolation"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/share"
	"github.com/jkaninda/sanduku/internal/storage"
	pgstore "github.com/jkaninda/sanduku/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sanduku/internal/storage/sqlite"
)

// SharedComponents holds all initialized subsystems that the server and the
// admin commands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite or PostgreSQL).

	Obs      *observability.Observability
	PgDB     *pgstore.DB // Non-nil only when storage.driver=postgres.
	Driver   session.Driver
	Guard    *isolation.Guard
	Registry *session.Registry
	Broker   *share.Broker

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between the server and
// the admin commands. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Expose PgDB if using PostgreSQL (readiness checks need Ping).
	if pgStore, ok := store.(*pgstore.Store); ok {
		sc.PgDB = pgStore.GormDB()
	}

	// Sandbox driver.
	drv, err := initDriver(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox driver: %w", err)
	}
	logger.Debug("sandbox driver initialized",
		slog.String("type", cfg.Driver.DriverType()),
		slog.String("root", cfg.VolumesRoot()),
	)

	var drvIface session.Driver = drv
	if obs != nil && obs.Metrics != nil {
		drvIface = observability.NewInstrumentedDriver(drv, obs.Metrics, obs.TracerOrNil())
	}
	sc.Driver = drvIface

	// Isolation guard.
	guard := isolation.NewGuard(logger, isolation.NewMetrics(obs.Registry()))
	sc.Guard = guard

	// Session registry.
	sc.Registry = session.NewRegistry(
		store.Sessions(),
		store.Files(),
		store.Terminal(),
		store.Snapshots(),
		drvIface,
		guard,
		session.NewMetrics(obs.Registry()),
		logger,
		cfg.Sessions.DriverTimeout(),
	)

	// Share broker.
	sc.Broker = share.NewBroker(store.Sessions(), store.Shares(), logger, share.NewMetrics(obs.Registry()))

	// Health checks.
	if obs != nil && obs.Health != nil {
		var healthCfg *config.HealthConfig
		if cfg.Observability != nil {
			healthCfg = cfg.Observability.Health
		}
		if healthCfg.DBCheckEnabled() {
			if sc.PgDB != nil {
				obs.Health.AddCheck("database", sc.PgDB.Ping)
			} else if sqlStore, ok := store.(*sqlitestore.Store); ok {
				gdb := sqlStore.GormDB()
				obs.Health.AddCheck("database", func(ctx context.Context) error {
					sqlDB, err := gdb.DB()
					if err != nil {
						return err
					}
					return sqlDB.PingContext(ctx)
				})
			}
		}
		if healthCfg.DriverCheckEnabled() {
			root := cfg.VolumesRoot()
			obs.Health.AddCheck("driver", func(_ context.Context) error {
				_, err := os.Stat(root)
				return err
			})
		}
	}

	return sc, nil
}

// adminComponents loads config and initializes shared components for
// store-direct admin commands. The logger only reports warnings so
// command output stays clean.
func adminComponents(configPath string) (*SharedComponents, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", configPath))
	if err != nil {
		return nil, err
	}

	return initShared(cfg, logger)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SANDUKU_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// initDriver creates the sandbox driver based on config type.
func initDriver(cfg *config.Config, logger *slog.Logger) (session.Driver, error) {
	switch cfg.Driver.DriverType() {
	case "local":
		return local.New(local.Config{
			Root:        cfg.VolumesRoot(),
			ExecTimeout: cfg.Driver.ExecTimeout(),
			CPUSeconds:  cfg.Driver.MaxCPUSeconds,
			MemoryMB:    cfg.Driver.MaxMemoryMB,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown driver type: %q (supported: local)", cfg.Driver.Type)
	}
}
