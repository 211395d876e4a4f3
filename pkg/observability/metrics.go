package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
// Every recording method is safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec

	// Ingestion metrics
	PageViewsTotal        prometheus.Counter
	SessionsTotal         *prometheus.CounterVec
	SessionsEndedTotal    *prometheus.CounterVec
	ActiveUsersSweptTotal prometheus.Counter
	SessionsAbandoned     prometheus.Counter
	EnrichmentFailures    *prometheus.CounterVec
	DownloadsTotal        *prometheus.CounterVec

	// Reporting metrics
	ActiveUsers         prometheus.Gauge
	DashboardCacheTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen prometheus.Gauge
	DBConnectionsIdle prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "churchsite_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "churchsite_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "churchsite_rate_limited_total",
				Help: "Requests rejected by the ingestion rate limiter",
			},
			[]string{"route"},
		),

		PageViewsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "churchsite_page_views_total",
				Help: "Page views recorded",
			},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "churchsite_session_updates_total",
				Help: "Session updates by outcome (created, existing)",
			},
			[]string{"result"},
		),
		SessionsEndedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "churchsite_session_ends_total",
				Help: "End-session calls by outcome (closed, unknown, already_closed)",
			},
			[]string{"result"},
		),
		ActiveUsersSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "churchsite_active_users_swept_total",
				Help: "Stale active-user rows removed by sweeps",
			},
		),
		SessionsAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "churchsite_sessions_abandoned_total",
				Help: "Open sessions closed by the abandonment sweep",
			},
		),
		EnrichmentFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "churchsite_enrichment_failures_total",
				Help: "Geo or user-agent derivations that fell back to Unknown",
			},
			[]string{"kind"},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "churchsite_downloads_total",
				Help: "Download events stored by ingestion path",
			},
			[]string{"source"},
		),

		ActiveUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "churchsite_active_users",
				Help: "Active users seen by the last reporting query",
			},
		),
		DashboardCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "churchsite_dashboard_cache_total",
				Help: "Dashboard summary cache lookups by result",
			},
			[]string{"result"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "churchsite_db_connections_open",
				Help: "Open database connections on the primary",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "churchsite_db_connections_idle",
				Help: "Idle database connections on the primary",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.PageViewsTotal,
		m.SessionsTotal,
		m.SessionsEndedTotal,
		m.ActiveUsersSweptTotal,
		m.SessionsAbandoned,
		m.EnrichmentFailures,
		m.DownloadsTotal,
		m.ActiveUsers,
		m.DashboardCacheTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
	)

	return m
}

func (m *Metrics) RecordPageView() {
	if m == nil {
		return
	}
	m.PageViewsTotal.Inc()
}

func (m *Metrics) RecordSession(result string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSessionEnd(result string) {
	if m == nil {
		return
	}
	m.SessionsEndedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSweep(removed int64) {
	if m == nil || removed <= 0 {
		return
	}
	m.ActiveUsersSweptTotal.Add(float64(removed))
}

func (m *Metrics) RecordAbandoned(closed int64) {
	if m == nil || closed <= 0 {
		return
	}
	m.SessionsAbandoned.Add(float64(closed))
}

func (m *Metrics) RecordEnrichmentFailure(kind string) {
	if m == nil {
		return
	}
	m.EnrichmentFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDownloads(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadsTotal.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) SetActiveUsers(n int64) {
	if m == nil {
		return
	}
	m.ActiveUsers.Set(float64(n))
}

func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.DashboardCacheTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}

// RecordDBStats copies connection pool gauges from stats
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RouteLabel returns the mux path template for r, or "unmatched"
func RouteLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Use it as a mux middleware so the route template is available.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := RouteLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
