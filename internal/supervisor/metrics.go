package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the reconciliation sweep.
type Metrics struct {
	Sweeps           prometheus.Counter
	SweepDuration    prometheus.Histogram
	SweepErrors      prometheus.Counter
	IdleStopped      prometheus.Counter
	Abandoned        prometheus.Counter
	Destroyed        prometheus.Counter
	StuckRecovered   *prometheus.CounterVec
	PrunedRecords    prometheus.Counter
	SessionsByStatus *prometheus.GaugeVec
}

// NewMetrics creates and registers supervisor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "sweeps_total",
			Help:      "Total reconciliation sweeps run.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each reconciliation sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "sweep_errors_total",
			Help:      "Total per-session and per-step failures logged by sweeps.",
		}),
		IdleStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "idle_stopped_total",
			Help:      "Total sessions stopped for idleness.",
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "abandoned_total",
			Help:      "Total sessions queued for cleanup after abandonment.",
		}),
		Destroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "destroyed_total",
			Help:      "Total sessions hard-destroyed past the cleanup grace window.",
		}),
		StuckRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "stuck_recovered_total",
			Help:      "Total sessions recovered from a stuck transitional status.",
		}, []string{"from"}),
		PrunedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "pruned_records_total",
			Help:      "Total terminal records deleted by retention pruning.",
		}),
		SessionsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "sessions_by_status",
			Help:      "Current session count by lifecycle status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.Sweeps,
		m.SweepDuration,
		m.SweepErrors,
		m.IdleStopped,
		m.Abandoned,
		m.Destroyed,
		m.StuckRecovered,
		m.PrunedRecords,
		m.SessionsByStatus,
	)

	return m
}
