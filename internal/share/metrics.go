package share

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sharing broker.
type Metrics struct {
	SharesCreated prometheus.Counter
	SharesRevoked prometheus.Counter
	AccessDenied  *prometheus.CounterVec
}

// NewMetrics creates and registers sharing metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SharesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "share",
			Name:      "shares_created_total",
			Help:      "Total shares granted.",
		}),
		SharesRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "share",
			Name:      "shares_revoked_total",
			Help:      "Total shares revoked.",
		}),
		AccessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "share",
			Name:      "access_denied_total",
			Help:      "Total denied share grants and authorizations, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.SharesCreated,
		m.SharesRevoked,
		m.AccessDenied,
	)

	return m
}
