package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Kawayip/church-sub001/pkg/observability"
)

// Cache stores dashboard summaries. *postgres.RedisClient implements it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ServiceConfig controls the reporting queries
type ServiceConfig struct {
	StalenessWindow  time.Duration
	Location         *time.Location
	CacheTTL         time.Duration
	QueryConcurrency int
}

const (
	defaultDashboardDays = 30
	topPagesLimit        = 10
)

// Service answers the read-only reporting queries
type Service struct {
	db      *sql.DB
	cache   Cache
	cfg     ServiceConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a reporting service reading from db, usually a replica.
// cache may be nil to disable dashboard caching.
func NewService(db *sql.DB, cache Cache, cfg ServiceConfig, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 30 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.QueryConcurrency <= 0 {
		cfg.QueryConcurrency = 4
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		db:      db,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

const totalsQuery = `
	SELECT COUNT(DISTINCT s.id), COUNT(DISTINCT s.ip_address), COUNT(pv.id)
	FROM sessions s
	LEFT JOIN page_views pv ON pv.session_id = s.id
	WHERE s.start_time >= $1`

// DashboardStats computes the dashboard summary for the last days days.
// days <= 0 selects the default of 30.
func (s *Service) DashboardStats(ctx context.Context, days int) (*DashboardStats, error) {
	if days <= 0 {
		days = defaultDashboardDays
	}

	ctx, span := tracer.Start(ctx, "analytics.DashboardStats",
		trace.WithAttributes(attribute.Int("dashboard.days", days)))
	defer span.End()

	now := s.now()
	todayStart, tomorrow := dayBounds(now, s.cfg.Location)
	cacheKey := fmt.Sprintf("analytics:dashboard:%d:%s", days, todayStart.Format("2006-01-02"))

	if s.cache != nil && s.cfg.CacheTTL > 0 {
		var cached DashboardStats
		hit, err := s.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			s.logger.WithError(err).Warn("dashboard cache read failed")
		}
		s.metrics.RecordCache(hit)
		if hit {
			return &cached, nil
		}
	}

	since := now.AddDate(0, 0, -days)
	stats := &DashboardStats{Days: days, GeneratedAt: now}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.QueryConcurrency)

	g.Go(func() error {
		return s.db.QueryRowContext(gctx, totalsQuery, since).
			Scan(&stats.Total.Sessions, &stats.Total.Visitors, &stats.Total.PageViews)
	})
	g.Go(func() error {
		return s.db.QueryRowContext(gctx, totalsQuery+` AND s.start_time < $2`, todayStart, tomorrow).
			Scan(&stats.Today.Sessions, &stats.Today.Visitors, &stats.Today.PageViews)
	})
	g.Go(func() error {
		return s.db.QueryRowContext(gctx,
			`SELECT COUNT(*) FROM active_users WHERE last_activity >= $1`,
			now.Add(-s.cfg.StalenessWindow)).Scan(&stats.ActiveUsers)
	})
	g.Go(func() error {
		pages, err := s.topPages(gctx)
		stats.TopPages = pages
		return err
	})
	g.Go(func() error {
		devices, err := s.deviceCounts(gctx, since)
		stats.DeviceStats = devices
		return err
	})
	g.Go(func() error {
		series, err := s.dailySeries(gctx, since)
		stats.DailyStats = series
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to compute dashboard stats: %w", err))
	}
	s.metrics.SetActiveUsers(stats.ActiveUsers)

	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := s.cache.SetJSON(ctx, cacheKey, stats, s.cfg.CacheTTL); err != nil {
			s.logger.WithError(err).Warn("dashboard cache write failed")
		}
	}
	return stats, nil
}

func (s *Service) topPages(ctx context.Context) ([]PageStat, error) {
	query := `
		SELECT page_path, page_title, total_views, unique_views, last_viewed
		FROM page_stats
		ORDER BY total_views DESC, page_path
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, topPagesLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pages := []PageStat{}
	for rows.Next() {
		var p PageStat
		if err := rows.Scan(&p.PagePath, &p.PageTitle, &p.TotalViews, &p.UniqueViews, &p.LastViewed); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (s *Service) deviceCounts(ctx context.Context, since time.Time) ([]DeviceCount, error) {
	query := `
		SELECT device_type, COUNT(*)
		FROM sessions
		WHERE start_time >= $1
		GROUP BY device_type
		ORDER BY COUNT(*) DESC, device_type
	`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []DeviceCount{}
	for rows.Next() {
		var d DeviceCount
		if err := rows.Scan(&d.DeviceType, &d.Count); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Service) dailySeries(ctx context.Context, since time.Time) ([]DailyPoint, error) {
	query := `
		SELECT TO_CHAR(DATE(s.start_time AT TIME ZONE $2), 'YYYY-MM-DD') AS day,
			COUNT(DISTINCT s.id), COUNT(DISTINCT s.ip_address), COUNT(pv.id)
		FROM sessions s
		LEFT JOIN page_views pv ON pv.session_id = s.id
		WHERE s.start_time >= $1
		GROUP BY day
		ORDER BY day
	`
	rows, err := s.db.QueryContext(ctx, query, since, s.cfg.Location.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	series := []DailyPoint{}
	for rows.Next() {
		var p DailyPoint
		if err := rows.Scan(&p.Date, &p.Sessions, &p.Visitors, &p.PageViews); err != nil {
			return nil, err
		}
		series = append(series, p)
	}
	return series, rows.Err()
}

const sessionFilterClause = `
	WHERE ($1::timestamptz IS NULL OR s.start_time >= $1)
	  AND ($2::timestamptz IS NULL OR s.start_time < $2)`

// DetailedSessions lists sessions newest first, one page at a time
func (s *Service) DetailedSessions(ctx context.Context, filter SessionFilter) (*SessionPage, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "analytics.DetailedSessions",
		trace.WithAttributes(attribute.Int("page", filter.Page), attribute.Int("limit", filter.Limit)))
	defer span.End()

	var from, until *time.Time
	if filter.StartDate != nil {
		start, _ := dayBounds(*filter.StartDate, s.cfg.Location)
		from = &start
	}
	if filter.EndDate != nil {
		_, next := dayBounds(*filter.EndDate, s.cfg.Location)
		until = &next
	}

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions s`+sessionFilterClause,
		nullTime(from), nullTime(until)).Scan(&total)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to count sessions: %w", err))
	}

	query := `
		SELECT s.id, s.user_id, s.ip_address, s.user_agent, s.country, s.city,
			s.device_type, s.browser, s.os, s.screen_resolution, s.referrer,
			s.landing_page, s.start_time, s.end_time, s.duration, s.page_count,
			s.is_bounce, s.exit_page,
			(SELECT COUNT(*) FROM page_views pv WHERE pv.session_id = s.id) AS page_view_count,
			u.name, u.email
		FROM sessions s
		LEFT JOIN users u ON u.id = s.user_id` + sessionFilterClause + `
		ORDER BY s.start_time DESC
		LIMIT $3 OFFSET $4`

	offset := (filter.Page - 1) * filter.Limit
	rows, err := s.db.QueryContext(ctx, query, nullTime(from), nullTime(until), filter.Limit, offset)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to list sessions: %w", err))
	}
	defer rows.Close()

	sessions := []SessionSummary{}
	for rows.Next() {
		var (
			summary   SessionSummary
			userName  sql.NullString
			userEmail sql.NullString
		)
		sess, err := scanSession(rows, &summary.PageViewCount, &userName, &userEmail)
		if err != nil {
			return nil, spanError(span, fmt.Errorf("failed to scan session: %w", err))
		}
		summary.Session = *sess
		summary.UserName = stringPtr(userName)
		summary.UserEmail = stringPtr(userEmail)
		sessions = append(sessions, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, spanError(span, err)
	}

	totalPages := (total + int64(filter.Limit) - 1) / int64(filter.Limit)
	return &SessionPage{
		Sessions: sessions,
		Pagination: Pagination{
			Page:       filter.Page,
			Limit:      filter.Limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}, nil
}

// ActiveUsers lists sessions active within the staleness window, most recent first
func (s *Service) ActiveUsers(ctx context.Context) ([]ActiveUser, error) {
	query := `
		SELECT session_id, page_path, user_agent, ip_address, last_activity
		FROM active_users
		WHERE last_activity >= $1
		ORDER BY last_activity DESC
	`
	rows, err := s.db.QueryContext(ctx, query, s.now().Add(-s.cfg.StalenessWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	users := []ActiveUser{}
	for rows.Next() {
		var au ActiveUser
		if err := rows.Scan(&au.SessionID, &au.PagePath, &au.UserAgent, &au.IPAddress, &au.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan active user: %w", err)
		}
		users = append(users, au)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.metrics.SetActiveUsers(int64(len(users)))
	return users, nil
}
