// Package ops implements the operational HTTP surface for Sanduku.
//
// Security:
//   - Admin token authentication on /v1 (constant-time comparison)
//   - Per-operator rate limiting after authentication
//   - Probe and metrics endpoints unauthenticated for kubelets and scrapers
//   - Admin actions logged with the operator identity
//   - TLS expected via reverse proxy (not handled here)
package ops

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/isolation"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/share"
	"github.com/jkaninda/sanduku/internal/storage"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON response for liveness probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// Config configures the operational HTTP server.
type Config struct {
	ListenAddr  string // e.g., ":8088"
	EnableDocs  bool
	AdminTokens map[string]string // Admin token → operator name. Tokens from env.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server exposes probes, metrics and the admin API over the session engine.
type Server struct {
	config   Config
	registry *session.Registry
	store    storage.Store
	guard    *isolation.Guard
	limiter  *ratelimit.Limiter
	broker   *share.Broker         // nil = share endpoints disabled.
	sweep    func(context.Context) // nil = manual sweep endpoint disabled.
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewServer creates an operational HTTP server.
func NewServer(cfg Config, registry *session.Registry, store storage.Store, guard *isolation.Guard, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{
		config:   cfg,
		registry: registry,
		store:    store,
		guard:    guard,
		limiter:  limiter,
		logger:   logger,
		okapi:    okapi.New(),
	}
}

// WithSweep attaches a manual supervisor sweep trigger to the server.
func (s *Server) WithSweep(sweep func(context.Context)) *Server {
	s.sweep = sweep
	return s
}

// WithShares attaches the sharing broker, enabling share inspection and
// revocation endpoints.
func (s *Server) WithShares(broker *share.Broker) *Server {
	s.broker = broker
	return s
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (s *Server) WithOpenAPIDocs() *Server {
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.0.1",
		},
	)
	return s
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	// Authenticated /v1 admin group.
	s.group = s.okapi.Group("/v1", s.authenticate)

	s.group.Get("/sessions", s.handleSessionList,
		okapi.DocSummary("List sessions, destroyed tombstones included; filter with ?user="),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	s.group.Get("/sessions/{id}", s.handleSessionGet,
		okapi.DocSummary("Get a session with its child record counts"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionDetailResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Delete("/sessions/{id}", s.handleSessionDestroy,
		okapi.DocSummary("Force-destroy a session; ?keep_volume=true preserves the volume"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	s.group.Get("/isolation/audit", s.handleAudit,
		okapi.DocSummary("Run the store-wide isolation audit"),
		okapi.DocTags("Isolation"),
		okapi.DocResponse(isolation.Report{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Share inspection and revocation (only if a broker is attached).
	if s.broker != nil {
		s.group.Get("/sessions/{id}/shares", s.handleShareList,
			okapi.DocSummary("List shares on a session, revoked ones included"),
			okapi.DocTags("Shares"),
			okapi.DocPathParam("id", "string", "Session ID (UUID)"),
			okapi.DocResponse([]ShareResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		s.group.Delete("/shares/{id}", s.handleShareRevoke,
			okapi.DocSummary("Revoke a share"),
			okapi.DocTags("Shares"),
			okapi.DocPathParam("id", "string", "Share ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Manual sweep trigger (only if a supervisor is attached).
	if s.sweep != nil {
		s.group.Post("/supervisor/sweep", s.handleSweep,
			okapi.DocSummary("Trigger a reconciliation sweep now"),
			okapi.DocTags("Supervisor"),
			okapi.DocResponse(http.StatusAccepted, map[string]string{}),
		)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.WithOpenAPIDocs()
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops server starting", slog.String("addr", s.config.ListenAddr))

	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops server stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Probes ---

// handleLiveness is the Kubernetes liveness probe.
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the admin token and resolves the operator name.
// With no tokens configured, every admin request is rejected.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		operator := ""
		for key, name := range s.config.AdminTokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				operator = name
			}
		}
		if operator == "" {
			return c.AbortUnauthorized("invalid admin token")
		}

		if s.limiter != nil {
			if err := s.limiter.Allow(operator); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}

		c.Set("operator", operator)
		return next(c)
	}
}
