package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/httputil"
	"github.com/Kawayip/church-sub001/pkg/middleware"
)

const (
	defaultDashboardDays = 30
	maxDashboardDays     = 366
)

// AnalyticsHandlers provides the session and page-view endpoints
type AnalyticsHandlers struct {
	ingest  Ingestor
	reports Reporter
	loc     *time.Location
}

// NewAnalyticsHandlers creates analytics handlers. loc interprets the
// startDate and endDate filters of the detailed listing.
func NewAnalyticsHandlers(ingest Ingestor, reports Reporter, loc *time.Location) *AnalyticsHandlers {
	if loc == nil {
		loc = time.UTC
	}
	return &AnalyticsHandlers{
		ingest:  ingest,
		reports: reports,
		loc:     loc,
	}
}

// RegisterIngestRoutes registers the public tracking endpoints
func (h *AnalyticsHandlers) RegisterIngestRoutes(r *mux.Router) {
	r.HandleFunc("/analytics/track-page-view", h.trackPageView).Methods("POST")
	r.HandleFunc("/analytics/track-session", h.trackSession).Methods("POST")
	r.HandleFunc("/analytics/end-session", h.endSession).Methods("POST")
}

// RegisterReportRoutes registers the dashboard endpoints
func (h *AnalyticsHandlers) RegisterReportRoutes(r *mux.Router) {
	r.HandleFunc("/analytics/dashboard-stats", h.dashboardStats).Methods("GET")
	r.HandleFunc("/analytics/detailed", h.detailed).Methods("GET")
	r.HandleFunc("/analytics/active-users", h.activeUsers).Methods("GET")
}

// trackPageView handles POST /api/analytics/track-page-view
func (h *AnalyticsHandlers) trackPageView(w http.ResponseWriter, r *http.Request) {
	var ev analytics.PageViewEvent
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}
	if ev.IPAddress == "" {
		ev.IPAddress = httputil.ClientIP(r)
	}
	if ev.UserAgent == "" {
		ev.UserAgent = r.UserAgent()
	}

	if err := h.ingest.TrackPageView(r.Context(), ev); err != nil {
		writeError(w, r, err, "track page view")
		return
	}
	httputil.WriteAck(w)
}

// trackSession handles POST /api/analytics/track-session. A signed-in
// caller's user id is used when the body carries none.
func (h *AnalyticsHandlers) trackSession(w http.ResponseWriter, r *http.Request) {
	var ev analytics.SessionEvent
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}
	if ev.IPAddress == "" {
		ev.IPAddress = httputil.ClientIP(r)
	}
	if ev.UserAgent == "" {
		ev.UserAgent = r.UserAgent()
	}
	if ev.UserID == nil {
		if p := middleware.GetPrincipal(r); p != nil {
			id := p.UserID
			ev.UserID = &id
		}
	}

	if _, err := h.ingest.TrackSession(r.Context(), ev); err != nil {
		writeError(w, r, err, "track session")
		return
	}
	httputil.WriteAck(w)
}

// endSession handles POST /api/analytics/end-session. Unknown and already
// closed sessions are acknowledged like any other.
func (h *AnalyticsHandlers) endSession(w http.ResponseWriter, r *http.Request) {
	var ev analytics.EndSessionEvent
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}

	if _, err := h.ingest.EndSession(r.Context(), ev); err != nil {
		writeError(w, r, err, "end session")
		return
	}
	httputil.WriteAck(w)
}

// dashboardStats handles GET /api/analytics/dashboard-stats
// Query params:
//   - days: lookback window (1-366) - default: 30
func (h *AnalyticsHandlers) dashboardStats(w http.ResponseWriter, r *http.Request) {
	days, err := httputil.ParseQueryInt(r, "days", defaultDashboardDays)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if days <= 0 || days > maxDashboardDays {
		httputil.WriteBadRequest(w, "days must be between 1 and 366")
		return
	}

	stats, err := h.reports.DashboardStats(r.Context(), days)
	if err != nil {
		writeError(w, r, err, "dashboard stats")
		return
	}
	httputil.WriteSuccess(w, stats)
}

// detailed handles GET /api/analytics/detailed
// Query params:
//   - startDate, endDate: inclusive YYYY-MM-DD range - default: unbounded
//   - page: 1-based page - default: 1
//   - limit: page size (1-100) - default: 20
func (h *AnalyticsHandlers) detailed(w http.ResponseWriter, r *http.Request) {
	var (
		filter analytics.SessionFilter
		err    error
	)
	if filter.StartDate, err = httputil.ParseQueryDate(r, "startDate", h.loc); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.EndDate, err = httputil.ParseQueryDate(r, "endDate", h.loc); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Page, err = httputil.ParseQueryInt(r, "page", 1); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 0); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	page, err := h.reports.DetailedSessions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, "detailed sessions")
		return
	}
	httputil.WriteSuccess(w, page)
}

// activeUsers handles GET /api/analytics/active-users
func (h *AnalyticsHandlers) activeUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.reports.ActiveUsers(r.Context())
	if err != nil {
		writeError(w, r, err, "active users")
		return
	}
	if users == nil {
		users = []analytics.ActiveUser{}
	}
	httputil.WriteSuccess(w, users)
}
