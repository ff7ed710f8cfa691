package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the session registry.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	Transitions       *prometheus.CounterVec // labels: from, to
	TransitionDenied  *prometheus.CounterVec // labels: reason
	CommandsExecuted  prometheus.Counter
}

// NewMetrics creates and registers registry metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "registry",
			Name:      "sessions_created_total",
			Help:      "Total sessions created.",
		}),
		SessionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "registry",
			Name:      "sessions_destroyed_total",
			Help:      "Total sessions destroyed (cascade completed).",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Total applied status transitions by edge.",
		}, []string{"from", "to"}),
		TransitionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "registry",
			Name:      "transitions_denied_total",
			Help:      "Total rejected status changes by reason.",
		}, []string{"reason"}),
		CommandsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "registry",
			Name:      "commands_executed_total",
			Help:      "Total commands executed through RunCommand.",
		}),
	}

	reg.MustRegister(
		m.SessionsCreated,
		m.SessionsDestroyed,
		m.Transitions,
		m.TransitionDenied,
		m.CommandsExecuted,
	)

	return m
}
