package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/middleware"
	"github.com/platinummonkey/pulse/pkg/observability"
)

// maxEventBodyBytes bounds a single ingestion request
const maxEventBodyBytes = 64 << 10

// Options wires the optional parts of the server
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Registry is exposed on /metrics when set
	Registry *prometheus.Registry
	// Health registers /health, /health/live and /health/ready when set
	Health *observability.HealthChecker
	// IngestLimiter rate limits POST /api/v1/events per client IP
	IngestLimiter middleware.Limiter
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer creates the API server
func NewServer(events *analytics.EventService, service *analytics.Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
	}

	s.router.Use(
		httputil.RequestIDMiddleware(logger),
		observability.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware,
	)
	if opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}

	NewEventHandlers(events, opts.IngestLimiter, logger, opts.Metrics).RegisterRoutes(s.router)
	NewDashboardHandlers(service).RegisterRoutes(s.router)

	if opts.Health != nil {
		observability.RegisterHealthRoutes(s.router, opts.Health)
	}
	if opts.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(opts.Registry)).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "not found")
	})

	s.handler = s.router
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Wrap applies outer middleware, such as tracing, around the router
func (s *Server) Wrap(mw func(http.Handler) http.Handler) {
	s.handler = mw(s.handler)
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}
