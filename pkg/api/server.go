package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Kawayip/church-sub001/pkg/httputil"
	"github.com/Kawayip/church-sub001/pkg/middleware"
	"github.com/Kawayip/church-sub001/pkg/observability"
)

// Options configures the server's cross-cutting middleware
type Options struct {
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Verifier *middleware.TokenVerifier
	// Limiter throttles ingestion per client. Nil disables rate limiting.
	Limiter        middleware.Limiter
	ReportingRoles []string
	AllowedOrigins []string
	MaxBodyBytes   int64
	// TrustedProxies may set forwarding headers. Nil uses the peer address.
	TrustedProxies *httputil.TrustedProxies
}

// Server routes API requests
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer creates the API server with every analytics and download route
func NewServer(analyticsHandlers *AnalyticsHandlers, downloadHandlers *DownloadHandlers, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if len(opts.ReportingRoles) == 0 {
		opts.ReportingRoles = []string{"admin", "member"}
	}

	s := &Server{router: mux.NewRouter()}
	s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	s.setupRoutes(analyticsHandlers, downloadHandlers, opts)

	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.ClientIPMiddleware(opts.TrustedProxies),
		httputil.LoggingMiddleware(opts.Logger),
		httputil.RecoveryMiddleware(opts.Logger),
		httputil.CORSMiddleware(opts.AllowedOrigins),
		httputil.MaxBytesMiddleware(opts.MaxBodyBytes),
	)(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(analyticsHandlers *AnalyticsHandlers, downloadHandlers *DownloadHandlers, opts Options) {
	// Public ingestion: optional auth for user attribution, then rate limiting
	ingest := s.router.PathPrefix("/api").Subrouter()
	ingest.Use(middleware.NewAuthMiddleware(opts.Verifier, true).Handler)
	if opts.Limiter != nil {
		ingest.Use(middleware.NewRateLimitMiddleware(opts.Limiter, opts.Logger, opts.Metrics).Handler)
	}

	// Reporting: bearer token required
	reports := s.router.PathPrefix("/api").Subrouter()
	reports.Use(middleware.NewAuthMiddleware(opts.Verifier, false).Handler)

	// Dashboard analytics are further limited to reporting roles
	dashboard := reports.NewRoute().Subrouter()
	dashboard.Use(middleware.RequireRole(opts.ReportingRoles...))

	if analyticsHandlers != nil {
		analyticsHandlers.RegisterIngestRoutes(ingest)
		analyticsHandlers.RegisterReportRoutes(dashboard)
	}
	if downloadHandlers != nil {
		downloadHandlers.RegisterIngestRoutes(ingest)
		downloadHandlers.RegisterReportRoutes(reports)
	}
}

// Router exposes the router so callers can add health and metrics routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
