// Package supervisor reconciles desired and actual sandbox state.
//
// A recurring sweep over the session store recovers sessions stuck in
// transitional statuses, stops idle sandboxes, queues abandoned
// sessions for cleanup, hard-destroys sessions past their grace window,
// and prunes terminal history beyond the retention cap. Every decision
// derives from persisted timestamps and statuses alone, never from
// in-memory caches, so a crash mid-sweep loses nothing: re-running the
// sweep is idempotent. One session's failure never blocks the rest.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sanduku/internal/session"
)

const (
	defaultSchedule      = "@every 2m"
	defaultIdleTimeout   = 30 * time.Minute
	defaultCleanupAfter  = 7 * 24 * time.Hour
	defaultDestroyGrace  = 24 * time.Hour
	defaultStuckTimeout  = 5 * time.Minute
	defaultRetention     = 1000
	defaultDriverTimeout = 60 * time.Second
)

// Config holds the sweep policy. Thresholds are product-configurable
// values, not structural invariants; zero fields take the defaults.
type Config struct {
	Schedule          string        // cron expression or descriptor, e.g. "@every 2m"
	IdleTimeout       time.Duration // running without activity beyond this is stopped
	CleanupAfter      time.Duration // inactive beyond this is queued for cleanup
	DestroyGrace      time.Duration // in cleanup beyond this is hard-destroyed
	StuckTimeout      time.Duration // transitional beyond this is recovered
	TerminalRetention int           // max terminal records kept per session
	DriverTimeout     time.Duration // bound on driver calls made by the sweep
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.CleanupAfter == 0 {
		c.CleanupAfter = defaultCleanupAfter
	}
	if c.DestroyGrace == 0 {
		c.DestroyGrace = defaultDestroyGrace
	}
	if c.StuckTimeout == 0 {
		c.StuckTimeout = defaultStuckTimeout
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = defaultRetention
	}
	if c.DriverTimeout == 0 {
		c.DriverTimeout = defaultDriverTimeout
	}
	return c
}

// Supervisor runs the reconciliation sweep on a schedule.
type Supervisor struct {
	registry *session.Registry
	sessions session.SessionStore
	terminal session.TerminalStore
	driver   session.Driver
	metrics  *Metrics
	logger   *slog.Logger
	config   Config
	sched    cron.Schedule
}

// New creates a Supervisor. The schedule accepts standard five-field
// cron expressions and descriptors like "@every 2m".
func New(
	registry *session.Registry,
	sessions session.SessionStore,
	terminal session.TerminalStore,
	driver session.Driver,
	metrics *Metrics,
	logger *slog.Logger,
	cfg Config,
) (*Supervisor, error) {
	cfg = cfg.withDefaults()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}

	return &Supervisor{
		registry: registry,
		sessions: sessions,
		terminal: terminal,
		driver:   driver,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
		sched:    sched,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function. The first
// sweep runs immediately so state left over from a previous run is
// recovered before any request traffic builds on it.
func (s *Supervisor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "supervisor started",
			slog.String("schedule", s.config.Schedule),
			slog.Duration("idle_timeout", s.config.IdleTimeout),
			slog.Duration("cleanup_after", s.config.CleanupAfter),
			slog.Duration("destroy_grace", s.config.DestroyGrace),
			slog.Int("terminal_retention", s.config.TerminalRetention),
		)

		s.Sweep(ctx)

		for {
			next := s.sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("supervisor stopped")
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs one reconciliation pass: stuck recovery, idle shutdown,
// abandonment, hard destroy, history pruning, gauge refresh.
func (s *Supervisor) Sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	recovered := s.recoverStuck(ctx, now)
	idleStopped := s.stopIdle(ctx, now)
	abandoned := s.markAbandoned(ctx, now)
	destroyed := s.hardDestroy(ctx, now)
	pruned := s.pruneTerminal(ctx)
	s.refreshGauges(ctx)

	if s.metrics != nil {
		s.metrics.Sweeps.Inc()
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if recovered+idleStopped+abandoned+destroyed > 0 || pruned > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			slog.Int("stuck_recovered", recovered),
			slog.Int("idle_stopped", idleStopped),
			slog.Int("abandoned", abandoned),
			slog.Int("destroyed", destroyed),
			slog.Int64("records_pruned", pruned),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// recoverStuck rolls back sessions stuck in starting and finishes
// sessions stuck in stopping. A stopping session whose unit cannot be
// reached is queued for cleanup so the hard-destroy pass tears it down.
func (s *Supervisor) recoverStuck(ctx context.Context, now time.Time) int {
	stuck, err := s.sessions.ListStuck(ctx, now.Add(-s.config.StuckTimeout))
	if err != nil {
		s.sweepError(ctx, "listing stuck sessions", err)
		return 0
	}

	recovered := 0
	for i := range stuck {
		sess := &stuck[i]
		switch sess.Status {
		case session.StatusStarting:
			if !s.edge(ctx, sess.ID, session.StatusStopped) {
				continue
			}
			recovered++
			if s.metrics != nil {
				s.metrics.StuckRecovered.WithLabelValues("starting").Inc()
			}
			s.logger.WarnContext(ctx, "rolled back session stuck in starting",
				slog.String("session_id", sess.ID.String()),
				slog.Duration("stuck_for", now.Sub(sess.UpdatedAt)),
			)

		case session.StatusStopping:
			unreachable := false
			if sess.UnitRef != "" {
				dctx, cancel := context.WithTimeout(ctx, s.config.DriverTimeout)
				err := s.driver.Stop(dctx, sess.UnitRef)
				cancel()
				if err != nil && !errors.Is(err, session.ErrUnitNotFound) {
					unreachable = true
					s.logger.WarnContext(ctx, "unit unreachable during stuck recovery",
						slog.String("session_id", sess.ID.String()),
						slog.String("unit", sess.UnitRef),
						slog.String("error", err.Error()),
					)
				}
			}
			if !s.edge(ctx, sess.ID, session.StatusStopped) {
				continue
			}
			recovered++
			if s.metrics != nil {
				s.metrics.StuckRecovered.WithLabelValues("stopping").Inc()
			}
			s.logger.WarnContext(ctx, "recovered session stuck in stopping",
				slog.String("session_id", sess.ID.String()),
				slog.Duration("stuck_for", now.Sub(sess.UpdatedAt)),
			)
			if unreachable && s.edge(ctx, sess.ID, session.StatusCleanup) {
				s.logger.WarnContext(ctx, "queued session with unreachable unit for teardown",
					slog.String("session_id", sess.ID.String()),
				)
			}
		}
	}
	return recovered
}

// stopIdle stops running sessions whose last activity is past the idle
// threshold. The unit is stopped, not destroyed; the volume survives.
func (s *Supervisor) stopIdle(ctx context.Context, now time.Time) int {
	idle, err := s.sessions.ListIdleRunning(ctx, now.Add(-s.config.IdleTimeout))
	if err != nil {
		s.sweepError(ctx, "listing idle sessions", err)
		return 0
	}

	stopped := 0
	for i := range idle {
		sess := &idle[i]
		if _, err := s.registry.Stop(ctx, sess.ID); err != nil {
			if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, session.ErrNotFound) {
				continue // moved or destroyed since the listing
			}
			s.sweepError(ctx, "stopping idle session "+sess.ID.String(), err)
			continue
		}
		stopped++
		if s.metrics != nil {
			s.metrics.IdleStopped.Inc()
		}
		s.logger.InfoContext(ctx, "stopped idle session",
			slog.String("session_id", sess.ID.String()),
			slog.Duration("idle_for", now.Sub(sess.LastActivity)),
		)
	}
	return stopped
}

// markAbandoned queues sessions inactive beyond the cleanup threshold:
// status cleanup, is_active false. A still-running unit is stopped on
// the way out.
func (s *Supervisor) markAbandoned(ctx context.Context, now time.Time) int {
	stale, err := s.sessions.ListAbandoned(ctx, now.Add(-s.config.CleanupAfter))
	if err != nil {
		s.sweepError(ctx, "listing abandoned sessions", err)
		return 0
	}

	marked := 0
	for i := range stale {
		sess := &stale[i]
		unit := sess.UnitRef
		if _, err := s.registry.Transition(ctx, sess.ID, session.StatusCleanup); err != nil {
			if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, session.ErrNotFound) {
				continue
			}
			s.sweepError(ctx, "queueing abandoned session "+sess.ID.String(), err)
			continue
		}
		if unit != "" {
			dctx, cancel := context.WithTimeout(ctx, s.config.DriverTimeout)
			if err := s.driver.Stop(dctx, unit); err != nil && !errors.Is(err, session.ErrUnitNotFound) {
				s.logger.WarnContext(ctx, "stopping unit of abandoned session failed",
					slog.String("session_id", sess.ID.String()),
					slog.String("unit", unit),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
		marked++
		if s.metrics != nil {
			s.metrics.Abandoned.Inc()
		}
		s.logger.InfoContext(ctx, "queued abandoned session for cleanup",
			slog.String("session_id", sess.ID.String()),
			slog.Duration("inactive_for", now.Sub(sess.LastActivity)),
		)
	}
	return marked
}

// hardDestroy destroys sessions sitting in cleanup past the grace
// window, removing their volumes. A driver failure leaves the session
// in cleanup; the next sweep retries.
func (s *Supervisor) hardDestroy(ctx context.Context, now time.Time) int {
	due, err := s.sessions.ListCleanupBefore(ctx, now.Add(-s.config.DestroyGrace))
	if err != nil {
		s.sweepError(ctx, "listing cleanup sessions", err)
		return 0
	}

	destroyed := 0
	for i := range due {
		sess := &due[i]
		if err := s.registry.DestroySession(ctx, sess.ID, false); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				continue
			}
			s.sweepError(ctx, "destroying session "+sess.ID.String(), err)
			continue
		}
		destroyed++
		if s.metrics != nil {
			s.metrics.Destroyed.Inc()
		}
	}
	return destroyed
}

// pruneTerminal caps terminal history per session at the retention
// limit, dropping the oldest records.
func (s *Supervisor) pruneTerminal(ctx context.Context) int64 {
	over, err := s.terminal.SessionsOverCap(ctx, s.config.TerminalRetention)
	if err != nil {
		s.sweepError(ctx, "listing sessions over retention cap", err)
		return 0
	}

	var pruned int64
	for _, id := range over {
		n, err := s.terminal.PruneBySession(ctx, id, s.config.TerminalRetention)
		if err != nil {
			s.sweepError(ctx, "pruning terminal history for "+id.String(), err)
			continue
		}
		pruned += n
	}
	if pruned > 0 {
		if s.metrics != nil {
			s.metrics.PrunedRecords.Add(float64(pruned))
		}
		s.logger.InfoContext(ctx, "pruned terminal history",
			slog.Int("sessions", len(over)),
			slog.Int64("records", pruned),
		)
	}
	return pruned
}

// refreshGauges publishes the current session population by status.
func (s *Supervisor) refreshGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	counts, err := s.sessions.CountByStatus(ctx)
	if err != nil {
		s.sweepError(ctx, "counting sessions by status", err)
		return
	}
	for _, status := range []session.Status{
		session.StatusStopped,
		session.StatusStarting,
		session.StatusRunning,
		session.StatusStopping,
		session.StatusCleanup,
		session.StatusDestroyed,
	} {
		s.metrics.SessionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// edge applies one raw status edge through the registry. A lost race or
// an edge made illegal by a concurrent move means another worker got
// there first; the sweep skips the session.
func (s *Supervisor) edge(ctx context.Context, id uuid.UUID, to session.Status) bool {
	if _, err := s.registry.Transition(ctx, id, to); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, session.ErrNotFound) {
			return false
		}
		s.sweepError(ctx, "transitioning session "+id.String(), err)
		return false
	}
	return true
}

func (s *Supervisor) sweepError(ctx context.Context, op string, err error) {
	if s.metrics != nil {
		s.metrics.SweepErrors.Inc()
	}
	s.logger.ErrorContext(ctx, "sweep step failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
