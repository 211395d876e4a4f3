package analytics

import (
	"math"
	"time"
)

const (
	maxSessionIDLength = 128
	maxPathLength      = 2048
	maxTextLength      = 1024
)

// PageViewEvent is the body of a track-page-view call. TimeOnPage is the dwell
// time, in seconds, of the page being reported.
type PageViewEvent struct {
	SessionID        string `json:"sessionId"`
	PagePath         string `json:"pagePath"`
	PageTitle        string `json:"pageTitle"`
	Referrer         string `json:"referrer"`
	UserAgent        string `json:"userAgent"`
	IPAddress        string `json:"ipAddress"`
	ScreenResolution string `json:"screenResolution"`
	TimeOnPage       int    `json:"timeOnPage"`
}

// Validate checks required fields and normalizes the rest
func (e *PageViewEvent) Validate() error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}
	if e.PagePath == "" {
		return invalidf("pagePath is required")
	}
	if e.TimeOnPage < 0 {
		return invalidf("timeOnPage must not be negative")
	}
	e.PagePath = truncate(e.PagePath, maxPathLength)
	e.PageTitle = truncate(e.PageTitle, maxTextLength)
	e.Referrer = truncate(e.Referrer, maxPathLength)
	e.UserAgent = truncate(e.UserAgent, maxTextLength)
	return nil
}

// SessionEvent is the body of a track-session call
type SessionEvent struct {
	SessionID        string `json:"sessionId"`
	UserID           *int64 `json:"userId,omitempty"`
	UserAgent        string `json:"userAgent"`
	IPAddress        string `json:"ipAddress"`
	Referrer         string `json:"referrer"`
	LandingPage      string `json:"landingPage"`
	ScreenResolution string `json:"screenResolution"`
}

// Validate checks required fields and normalizes the rest
func (e *SessionEvent) Validate() error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}
	e.LandingPage = truncate(e.LandingPage, maxPathLength)
	e.Referrer = truncate(e.Referrer, maxPathLength)
	e.UserAgent = truncate(e.UserAgent, maxTextLength)
	return nil
}

// EndSessionEvent is the body of an end-session call
type EndSessionEvent struct {
	SessionID string `json:"sessionId"`
	ExitPage  string `json:"exitPage"`
}

// Validate checks required fields
func (e *EndSessionEvent) Validate() error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}
	e.ExitPage = truncate(e.ExitPage, maxPathLength)
	return nil
}

func validateSessionID(id string) error {
	if id == "" {
		return invalidf("sessionId is required")
	}
	if len(id) > maxSessionIDLength {
		return invalidf("sessionId exceeds %d characters", maxSessionIDLength)
	}
	return nil
}

// Session is one browser visit. EndTime, Duration, IsBounce and ExitPage stay
// nil until the session is closed.
type Session struct {
	ID               string     `json:"id"`
	UserID           *int64     `json:"userId"`
	IPAddress        string     `json:"ipAddress"`
	UserAgent        string     `json:"userAgent"`
	Country          string     `json:"country"`
	City             string     `json:"city"`
	DeviceType       string     `json:"deviceType"`
	Browser          string     `json:"browser"`
	OS               string     `json:"os"`
	ScreenResolution string     `json:"screenResolution"`
	Referrer         string     `json:"referrer"`
	LandingPage      string     `json:"landingPage"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime"`
	Duration         *int64     `json:"duration"`
	PageCount        int64      `json:"pageCount"`
	IsBounce         *bool      `json:"isBounce"`
	ExitPage         *string    `json:"exitPage"`
}

// Closed reports whether the session has an end time
func (s *Session) Closed() bool {
	return s.EndTime != nil
}

// PageView is one append-only page-view row
type PageView struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"sessionId"`
	PagePath         string    `json:"pagePath"`
	PageTitle        string    `json:"pageTitle"`
	Referrer         string    `json:"referrer"`
	UserAgent        string    `json:"userAgent"`
	IPAddress        string    `json:"ipAddress"`
	Country          string    `json:"country"`
	City             string    `json:"city"`
	DeviceType       string    `json:"deviceType"`
	Browser          string    `json:"browser"`
	OS               string    `json:"os"`
	ScreenResolution string    `json:"screenResolution"`
	TimeOnPage       int       `json:"timeOnPage"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ActiveUser is the presence record of a session
type ActiveUser struct {
	SessionID    string    `json:"sessionId"`
	PagePath     string    `json:"pagePath"`
	UserAgent    string    `json:"userAgent"`
	IPAddress    string    `json:"ipAddress"`
	LastActivity time.Time `json:"lastActivity"`
}

// PageStat is the cumulative counter for one page path.
// UniqueViews is incremented together with TotalViews and always equals it.
type PageStat struct {
	PagePath    string    `json:"pagePath"`
	PageTitle   string    `json:"pageTitle"`
	TotalViews  int64     `json:"totalViews"`
	UniqueViews int64     `json:"uniqueViews"`
	LastViewed  time.Time `json:"lastViewed"`
}

// Totals are the three headline counters of a time range.
// Visitors counts distinct IP addresses.
type Totals struct {
	Sessions  int64 `json:"totalSessions"`
	Visitors  int64 `json:"uniqueVisitors"`
	PageViews int64 `json:"totalPageViews"`
}

// DeviceCount is the number of sessions for one device type
type DeviceCount struct {
	DeviceType string `json:"deviceType"`
	Count      int64  `json:"count"`
}

// DailyPoint is one calendar day of the dashboard series
type DailyPoint struct {
	Date      string `json:"date"`
	Sessions  int64  `json:"sessions"`
	Visitors  int64  `json:"visitors"`
	PageViews int64  `json:"pageViews"`
}

// DashboardStats is the dashboard summary for a lookback window
type DashboardStats struct {
	Days        int           `json:"days"`
	Total       Totals        `json:"totalStats"`
	Today       Totals        `json:"todayStats"`
	ActiveUsers int64         `json:"activeUsers"`
	TopPages    []PageStat    `json:"topPages"`
	DeviceStats []DeviceCount `json:"deviceStats"`
	DailyStats  []DailyPoint  `json:"dailyStats"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// SessionFilter selects a page of the detailed session listing.
// EndDate is inclusive: sessions started on that calendar day are listed.
type SessionFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Normalize applies listing defaults and bounds
func (f *SessionFilter) Normalize() error {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = defaultPageLimit
	}
	if f.Page < 0 {
		return invalidf("page must be positive")
	}
	if f.Limit < 0 {
		return invalidf("limit must be positive")
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	if f.Page-1 > math.MaxInt/f.Limit {
		return invalidf("page is out of range")
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return invalidf("endDate is before startDate")
	}
	return nil
}

// SessionSummary is a listed session with its page-view count and, for
// signed-in visitors, the user's name and email.
type SessionSummary struct {
	Session
	PageViewCount int64   `json:"pageViewCount"`
	UserName      *string `json:"userName"`
	UserEmail     *string `json:"userEmail"`
}

// Pagination describes the returned page
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

// SessionPage is one page of the detailed session listing
type SessionPage struct {
	Sessions   []SessionSummary `json:"sessions"`
	Pagination Pagination       `json:"pagination"`
}

// End-session outcomes
const (
	EndClosed        = "closed"
	EndUnknown       = "unknown"
	EndAlreadyClosed = "already_closed"
)
