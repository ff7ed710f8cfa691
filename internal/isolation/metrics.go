package isolation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the isolation guard.
type Metrics struct {
	Violations *prometheus.CounterVec
	Audits     prometheus.Counter
}

// NewMetrics creates and registers isolation metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "isolation",
			Name:      "violations_total",
			Help:      "Total rejected cross-session writes, by record kind.",
		}, []string{"kind"}),
		Audits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "isolation",
			Name:      "audits_total",
			Help:      "Total store-wide isolation audits run.",
		}),
	}

	reg.MustRegister(
		m.Violations,
		m.Audits,
	)

	return m
}
