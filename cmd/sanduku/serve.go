package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/ops"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/supervisor"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session engine (supervisor sweep + operational API)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8088)")
	}
}

// runServe starts Sanduku in server mode (supervisor sweep + operational HTTP API).
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Supervisor sweep.
	var supMetrics *supervisor.Metrics
	if sc.Obs != nil && sc.Obs.Metrics != nil {
		supMetrics = supervisor.NewMetrics(sc.Obs.Metrics.Registry)
	}
	sup, err := supervisor.New(
		sc.Registry,
		sc.Store.Sessions(),
		sc.Store.Terminal(),
		sc.Driver,
		supMetrics,
		logger,
		supervisor.Config{
			Schedule:          cfg.Supervisor.SweepSchedule(),
			IdleTimeout:       cfg.Sessions.IdleTimeout(),
			CleanupAfter:      cfg.Sessions.CleanupAfter(),
			DestroyGrace:      cfg.Sessions.DestroyGrace(),
			StuckTimeout:      cfg.Sessions.StuckTimeout(),
			TerminalRetention: cfg.Sessions.Retention(),
			DriverTimeout:     cfg.Sessions.DriverTimeout(),
		},
	)
	if err != nil {
		return err
	}
	cancelSweep := sup.Start(ctx)
	defer cancelSweep()
	logger.Debug("supervisor started", slog.String("schedule", cfg.Supervisor.SweepSchedule()))

	// Operational HTTP server.
	srv := buildServer(cfg, sc).
		WithShares(sc.Broker).
		WithSweep(sup.Sweep)

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start(ctx)
	}()
	logger.Info("operational server starting", slog.String("addr", cfg.Server.Addr()))

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("stopping server", slog.String("error", err.Error()))
	}

	return nil
}

// buildServer assembles the operational HTTP server from shared components.
func buildServer(cfg *config.Config, sc *SharedComponents) *ops.Server {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		Burst:             cfg.Server.RateLimit.Burst,
	})

	// Build admin token → operator mapping from env.
	tokens := make(map[string]string)
	if envTokens := os.Getenv("SANDUKU_ADMIN_TOKENS"); envTokens != "" {
		for _, entry := range strings.Split(envTokens, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				tokens[parts[0]] = parts[1]
			}
		}
	}

	opsCfg := ops.Config{
		ListenAddr:  cfg.Server.Addr(),
		EnableDocs:  cfg.Server.EnableDocs,
		AdminTokens: tokens,
	}
	if sc.Obs != nil {
		opsCfg.Metrics = sc.Obs.Metrics
		opsCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			opsCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			opsCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			opsCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	return ops.NewServer(opsCfg, sc.Registry, sc.Store, sc.Guard, limiter, sc.Logger)
}
