package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/downloads"
	"github.com/Kawayip/church-sub001/pkg/middleware"
)

const testSecret = "handler-test-secret"

// mockIngestor records calls and runs the real validation
type mockIngestor struct {
	mu        sync.Mutex
	pageViews []analytics.PageViewEvent
	sessions  []analytics.SessionEvent
	ends      []analytics.EndSessionEvent
	endResult string
	err       error
}

func (m *mockIngestor) TrackPageView(_ context.Context, ev analytics.PageViewEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageViews = append(m.pageViews, ev)
	return m.err
}

func (m *mockIngestor) TrackSession(_ context.Context, ev analytics.SessionEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, ev)
	return true, m.err
}

func (m *mockIngestor) EndSession(_ context.Context, ev analytics.EndSessionEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends = append(m.ends, ev)
	if m.endResult == "" {
		return analytics.EndClosed, m.err
	}
	return m.endResult, m.err
}

type mockReporter struct {
	days   int
	filter analytics.SessionFilter
	users  []analytics.ActiveUser
	err    error
}

func (m *mockReporter) DashboardStats(_ context.Context, days int) (*analytics.DashboardStats, error) {
	m.days = days
	if m.err != nil {
		return nil, m.err
	}
	return &analytics.DashboardStats{Days: days, ActiveUsers: 2}, nil
}

func (m *mockReporter) DetailedSessions(_ context.Context, filter analytics.SessionFilter) (*analytics.SessionPage, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}
	m.filter = filter
	if m.err != nil {
		return nil, m.err
	}
	return &analytics.SessionPage{
		Sessions:   []analytics.SessionSummary{},
		Pagination: analytics.Pagination{Page: filter.Page, Limit: filter.Limit},
	}, nil
}

func (m *mockReporter) ActiveUsers(context.Context) ([]analytics.ActiveUser, error) {
	return m.users, m.err
}

type mockDownloads struct {
	tracked []downloads.Event
	synced  []downloads.Event
	recent  int
	err     error
}

func (m *mockDownloads) Track(_ context.Context, ev downloads.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.tracked = append(m.tracked, ev)
	return m.err
}

func (m *mockDownloads) Sync(_ context.Context, events []downloads.Event) (downloads.SyncResult, error) {
	var result downloads.SyncResult
	for _, ev := range events {
		if ev.Validate() != nil {
			result.Skipped++
			continue
		}
		m.synced = append(m.synced, ev)
		result.Synced++
	}
	return result, m.err
}

func (m *mockDownloads) Analytics(context.Context) (*downloads.Analytics, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &downloads.Analytics{TotalDownloads: 42}, nil
}

func (m *mockDownloads) Stats(context.Context) (*downloads.Stats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &downloads.Stats{Today: 1, Week: 5, Month: 9}, nil
}

func (m *mockDownloads) Recent(_ context.Context, limit int) ([]downloads.Event, error) {
	m.recent = limit
	return []downloads.Event{}, m.err
}

type testEnv struct {
	server   *Server
	ingest   *mockIngestor
	reports  *mockReporter
	dl       *mockDownloads
	verifier *middleware.TokenVerifier
}

func newTestEnv(t *testing.T, limiter middleware.Limiter) *testEnv {
	t.Helper()
	env := &testEnv{
		ingest:   &mockIngestor{},
		reports:  &mockReporter{},
		dl:       &mockDownloads{},
		verifier: middleware.NewTokenVerifier(testSecret),
	}
	env.server = NewServer(
		NewAnalyticsHandlers(env.ingest, env.reports, time.UTC),
		NewDownloadHandlers(env.dl, env.dl),
		Options{Verifier: env.verifier, Limiter: limiter, ReportingRoles: []string{"admin", "member"}},
	)
	return env
}

func (env *testEnv) token(t *testing.T, userID int64, role string) string {
	t.Helper()
	token, err := env.verifier.Issue(middleware.Principal{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func (env *testEnv) do(method, path, body, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	return w
}

func TestRoutesRegistered(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{"POST", "/api/analytics/track-page-view"},
		{"POST", "/api/analytics/track-session"},
		{"POST", "/api/analytics/end-session"},
		{"GET", "/api/analytics/dashboard-stats"},
		{"GET", "/api/analytics/detailed"},
		{"GET", "/api/analytics/active-users"},
		{"POST", "/api/downloads/track"},
		{"POST", "/api/downloads/sync"},
		{"GET", "/api/downloads/analytics"},
		{"GET", "/api/downloads/recent"},
		{"GET", "/api/downloads/stats"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			var match mux.RouteMatch
			assert.True(t, env.server.Router().Match(req, &match), "Route %s %s should be registered", tt.method, tt.path)
		})
	}
}

func TestTrackPageView(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/api/analytics/track-page-view",
		`{"sessionId":"s1","pagePath":"/about","pageTitle":"About","timeOnPage":12}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	require.Len(t, env.ingest.pageViews, 1)
	pv := env.ingest.pageViews[0]
	assert.Equal(t, "/about", pv.PagePath)
	assert.Equal(t, 12, pv.TimeOnPage)
	assert.Equal(t, "203.0.113.9", pv.IPAddress, "IP falls back to the request origin")
	assert.Contains(t, pv.UserAgent, "iPhone", "user agent falls back to the request header")
}

func TestTrackPageView_ClientValuesWin(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/api/analytics/track-page-view",
		`{"sessionId":"s1","pagePath":"/","ipAddress":"198.51.100.4","userAgent":"curl/8.0"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "198.51.100.4", env.ingest.pageViews[0].IPAddress)
	assert.Equal(t, "curl/8.0", env.ingest.pageViews[0].UserAgent)
}

func TestIngestion_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed JSON", "/api/analytics/track-page-view", `{"sessionId":`},
		{"missing session id", "/api/analytics/track-page-view", `{"pagePath":"/"}`},
		{"missing page path", "/api/analytics/track-page-view", `{"sessionId":"s1"}`},
		{"negative time on page", "/api/analytics/track-page-view", `{"sessionId":"s1","pagePath":"/","timeOnPage":-3}`},
		{"session without id", "/api/analytics/track-session", `{"landingPage":"/"}`},
		{"end without id", "/api/analytics/end-session", `{"exitPage":"/"}`},
		{"download without file name", "/api/downloads/track", `{"fileType":"pdf"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", tt.path, tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestIngestion_StorageFailureIs500(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ingest.err = errors.New("connection refused")

	w := env.do("POST", "/api/analytics/track-session", `{"sessionId":"s1","landingPage":"/"}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestTrackSession_UserFromToken(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/api/analytics/track-session", `{"sessionId":"s1","landingPage":"/"}`, env.token(t, 17, "visitor"))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.ingest.sessions[0].UserID)
	assert.Equal(t, int64(17), *env.ingest.sessions[0].UserID)

	w = env.do("POST", "/api/analytics/track-session", `{"sessionId":"s2","userId":5}`, env.token(t, 17, "visitor"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), *env.ingest.sessions[1].UserID, "explicit user id wins")

	w = env.do("POST", "/api/analytics/track-session", `{"sessionId":"s3"}`, "forged")
	require.Equal(t, http.StatusOK, w.Code, "bad tokens never block tracking")
	assert.Nil(t, env.ingest.sessions[2].UserID)
}

func TestEndSession_UnknownIsSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ingest.endResult = analytics.EndUnknown

	w := env.do("POST", "/api/analytics/end-session", `{"sessionId":"never-seen","exitPage":"/"}`, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
}

func TestReporting_Authorization(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusUnauthorized, env.do("GET", "/api/analytics/dashboard-stats", "", "").Code)
	assert.Equal(t, http.StatusForbidden, env.do("GET", "/api/analytics/dashboard-stats", "", env.token(t, 1, "visitor")).Code)
	assert.Equal(t, http.StatusOK, env.do("GET", "/api/analytics/dashboard-stats", "", env.token(t, 1, "member")).Code)
	assert.Equal(t, http.StatusOK, env.do("GET", "/api/analytics/active-users", "", env.token(t, 1, "admin")).Code)

	assert.Equal(t, http.StatusUnauthorized, env.do("GET", "/api/downloads/stats", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do("GET", "/api/downloads/stats", "", env.token(t, 1, "visitor")).Code)
}

func TestDashboardStats_Days(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, 1, "admin")

	w := env.do("GET", "/api/analytics/dashboard-stats", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30, env.reports.days)

	w = env.do("GET", "/api/analytics/dashboard-stats?days=7", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, env.reports.days)

	var stats analytics.DashboardStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 7, stats.Days)

	for _, days := range []string{"0", "-1", "abc", "400"} {
		w := env.do("GET", "/api/analytics/dashboard-stats?days="+days, "", token)
		assert.Equal(t, http.StatusBadRequest, w.Code, days)
	}
}

func TestDetailed_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, 1, "admin")

	w := env.do("GET", "/api/analytics/detailed?startDate=2026-03-01&endDate=2026-03-08&page=2&limit=10", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.reports.filter.StartDate)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *env.reports.filter.StartDate)
	assert.Equal(t, 2, env.reports.filter.Page)
	assert.Equal(t, 10, env.reports.filter.Limit)

	w = env.do("GET", "/api/analytics/detailed", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, env.reports.filter.StartDate)
	assert.Equal(t, 20, env.reports.filter.Limit)

	for _, q := range []string{"startDate=03/01/2026", "page=x", "endDate=2026-03-01&startDate=2026-03-08", "limit=-5", "page=9223372036854775807"} {
		w := env.do("GET", "/api/analytics/detailed?"+q, "", token)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestActiveUsers_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("GET", "/api/analytics/active-users", "", env.token(t, 1, "admin"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestDownloadTrack(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/api/downloads/track",
		`{"id":99,"fileName":"bulletin.pdf","fileUrl":"/files/bulletin.pdf","fileType":"pdf","fileSize":2048,"sessionId":"s1"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.dl.tracked, 1)
	ev := env.dl.tracked[0]
	assert.Equal(t, "203.0.113.9", ev.IPAddress)
	assert.Equal(t, int64(0), ev.ID, "client ids are ignored")
	assert.Equal(t, "s1", ev.SessionID)
}

func TestDownloadSync(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantSynced int
		wantSkip   int
	}{
		{"bare array", `[{"fileName":"a.pdf"},{"fileName":"b.mp3"}]`, http.StatusOK, 2, 0},
		{"wrapped array", `{"downloads":[{"fileName":"a.pdf"},{"fileType":"pdf"}]}`, http.StatusOK, 1, 1},
		{"empty array", `[]`, http.StatusOK, 0, 0},
		{"empty body", ``, http.StatusOK, 0, 0},
		{"object without array", `{"downloads":"nope"}`, http.StatusOK, 0, 0},
		{"scalar", `42`, http.StatusOK, 0, 0},
		{"malformed", `[{"fileName":`, http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do("POST", "/api/downloads/sync", tt.body, "")
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp SyncResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, tt.wantSynced, resp.Synced)
			assert.Equal(t, tt.wantSkip, resp.Skipped)
			assert.Len(t, env.dl.synced, tt.wantSynced)
			for _, ev := range env.dl.synced {
				assert.Equal(t, "203.0.113.9", ev.IPAddress)
			}
		})
	}
}

func TestDownloadReports(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, 1, "admin")

	w := env.do("GET", "/api/downloads/analytics", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalDownloads":42`)

	w = env.do("GET", "/api/downloads/recent?limit=5", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, env.dl.recent)

	assert.Equal(t, http.StatusBadRequest, env.do("GET", "/api/downloads/recent?limit=many", "", token).Code)

	env.dl.err = fmt.Errorf("query failed")
	assert.Equal(t, http.StatusInternalServerError, env.do("GET", "/api/downloads/stats", "", token).Code)
}

func TestIngestion_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Hour,
	})
	env := newTestEnv(t, limiter)

	body := `{"sessionId":"s1","pagePath":"/"}`
	assert.Equal(t, http.StatusOK, env.do("POST", "/api/analytics/track-page-view", body, "").Code)
	assert.Equal(t, http.StatusOK, env.do("POST", "/api/analytics/track-page-view", body, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do("POST", "/api/analytics/track-page-view", body, "").Code)

	// reporting is not limited
	token := env.token(t, 1, "admin")
	assert.Equal(t, http.StatusOK, env.do("GET", "/api/analytics/active-users", "", token).Code)
}

func TestIngestion_RateLimitIgnoresSpoofedForwarding(t *testing.T) {
	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Hour,
	})
	env := newTestEnv(t, limiter)

	var codes []int
	for _, spoofed := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		req := httptest.NewRequest("POST", "/api/analytics/track-page-view", strings.NewReader(`{"sessionId":"s1","pagePath":"/"}`))
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", spoofed)
		w := httptest.NewRecorder()
		env.server.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	require.Len(t, env.ingest.pageViews, 2)
	assert.Equal(t, "203.0.113.9", env.ingest.pageViews[0].IPAddress, "peer address is recorded")
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do("POST", "/api/analytics/end-session", `{"sessionId":"s1"}`, "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
