package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/Kawayip/church-sub001/pkg/analytics")

// Store persists sessions, page views, page stats and active users.
// All statements run against the primary database.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on db
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertSession inserts s unless a session with the same id exists.
// It reports whether a row was created; losing a concurrent insert race is not
// an error.
func (s *Store) InsertSession(ctx context.Context, sess *Session) (bool, error) {
	query := `
		INSERT INTO sessions (
			id, user_id, ip_address, user_agent, country, city, device_type,
			browser, os, screen_resolution, referrer, landing_page,
			start_time, page_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $13, $13)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		sess.ID, nullInt64(sess.UserID), sess.IPAddress, sess.UserAgent,
		sess.Country, sess.City, sess.DeviceType, sess.Browser, sess.OS,
		sess.ScreenResolution, sess.Referrer, sess.LandingPage, sess.StartTime,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read inserted rows: %w", err)
	}
	return n == 1, nil
}

// TouchSession refreshes the update timestamp of an existing session and
// reports whether it exists. Dimensional fields are never changed here.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read touched rows: %w", err)
	}
	return n > 0, nil
}

// IncrementPageCount bumps the running page counter of a session. A page view
// for a session that does not exist yet changes nothing.
func (s *Store) IncrementPageCount(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET page_count = page_count + 1, updated_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to increment page count: %w", err)
	}
	return nil
}

// GetSession loads a session by id
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, ip_address, user_agent, country, city, device_type,
			browser, os, screen_resolution, referrer, landing_page, start_time,
			end_time, duration, page_count, is_bounce, exit_page
		FROM sessions
		WHERE id = $1
	`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner, extra ...interface{}) (*Session, error) {
	var (
		sess     Session
		userID   sql.NullInt64
		endTime  sql.NullTime
		duration sql.NullInt64
		isBounce sql.NullBool
		exitPage sql.NullString
	)
	dest := []interface{}{
		&sess.ID, &userID, &sess.IPAddress, &sess.UserAgent, &sess.Country,
		&sess.City, &sess.DeviceType, &sess.Browser, &sess.OS,
		&sess.ScreenResolution, &sess.Referrer, &sess.LandingPage,
		&sess.StartTime, &endTime, &duration, &sess.PageCount, &isBounce, &exitPage,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	sess.UserID = int64Ptr(userID)
	sess.EndTime = timePtr(endTime)
	sess.Duration = int64Ptr(duration)
	sess.IsBounce = boolPtr(isBounce)
	sess.ExitPage = stringPtr(exitPage)
	return &sess, nil
}

// CountPageViews counts the page views recorded for a session
func (s *Store) CountPageViews(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM page_views WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count page views: %w", err)
	}
	return count, nil
}

// CloseSession writes the closing fields onto a still open session and
// reports whether it did. A session closed concurrently is left unchanged.
func (s *Store) CloseSession(ctx context.Context, id string, end time.Time, duration, pageCount int64, bounce bool, exitPage string) (bool, error) {
	query := `
		UPDATE sessions
		SET end_time = $2, duration = $3, page_count = $4, is_bounce = $5,
			exit_page = $6, updated_at = $2
		WHERE id = $1 AND end_time IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, id, end, duration, pageCount, bounce, exitPage)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read closed rows: %w", err)
	}
	return n > 0, nil
}

// InsertPageView appends a page view
func (s *Store) InsertPageView(ctx context.Context, pv *PageView) error {
	query := `
		INSERT INTO page_views (
			session_id, page_path, page_title, referrer, user_agent, ip_address,
			country, city, device_type, browser, os, screen_resolution,
			time_on_page, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		pv.SessionID, pv.PagePath, pv.PageTitle, pv.Referrer, pv.UserAgent,
		pv.IPAddress, pv.Country, pv.City, pv.DeviceType, pv.Browser, pv.OS,
		pv.ScreenResolution, pv.TimeOnPage, pv.CreatedAt,
	).Scan(&pv.ID)
	if err != nil {
		return fmt.Errorf("failed to insert page view: %w", err)
	}
	return nil
}

// UpsertPageStat creates the stat row for path with one view, or increments
// it and refreshes the title
func (s *Store) UpsertPageStat(ctx context.Context, path, title string, at time.Time) error {
	query := `
		INSERT INTO page_stats (page_path, page_title, total_views, unique_views, last_viewed)
		VALUES ($1, $2, 1, 1, $3)
		ON CONFLICT (page_path) DO UPDATE SET
			page_title = EXCLUDED.page_title,
			total_views = page_stats.total_views + 1,
			unique_views = page_stats.unique_views + 1,
			last_viewed = EXCLUDED.last_viewed
	`
	if _, err := s.db.ExecContext(ctx, query, path, title, at); err != nil {
		return fmt.Errorf("failed to upsert page stat: %w", err)
	}
	return nil
}

// UpsertActiveUser atomically creates or replaces the presence row of a session
func (s *Store) UpsertActiveUser(ctx context.Context, au ActiveUser) error {
	query := `
		INSERT INTO active_users (session_id, page_path, user_agent, ip_address, last_activity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			page_path = EXCLUDED.page_path,
			user_agent = EXCLUDED.user_agent,
			ip_address = EXCLUDED.ip_address,
			last_activity = EXCLUDED.last_activity
	`
	_, err := s.db.ExecContext(ctx, query,
		au.SessionID, au.PagePath, au.UserAgent, au.IPAddress, au.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to upsert active user: %w", err)
	}
	return nil
}

// DeleteActiveUser removes the presence row of a session
func (s *Store) DeleteActiveUser(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_users WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete active user: %w", err)
	}
	return nil
}

// SweepActiveUsers deletes presence rows last active before cutoff
func (s *Store) SweepActiveUsers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM active_users WHERE last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep active users: %w", err)
	}
	return res.RowsAffected()
}

// CloseAbandonedSessions closes open sessions not updated since cutoff. The
// end time is the last update, the page count is recounted and the exit page
// is the latest page view, or the landing page when there is none.
func (s *Store) CloseAbandonedSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE sessions s SET
			end_time = s.updated_at,
			duration = GREATEST(FLOOR(EXTRACT(EPOCH FROM (s.updated_at - s.start_time))), 0)::INTEGER,
			page_count = c.cnt,
			is_bounce = c.cnt <= 1,
			exit_page = COALESCE(c.last_path, s.landing_page)
		FROM (
			SELECT o.id,
				(SELECT COUNT(*) FROM page_views pv WHERE pv.session_id = o.id) AS cnt,
				(SELECT pv.page_path FROM page_views pv WHERE pv.session_id = o.id
					ORDER BY pv.created_at DESC, pv.id DESC LIMIT 1) AS last_path
			FROM sessions o
			WHERE o.end_time IS NULL AND o.updated_at < $1
		) c
		WHERE s.id = c.id AND s.end_time IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to close abandoned sessions: %w", err)
	}
	return res.RowsAffected()
}

// PageViewsBetween streams page views created in [from, to) to fn in creation order
func (s *Store) PageViewsBetween(ctx context.Context, from, to time.Time, fn func(PageView) error) error {
	query := `
		SELECT id, session_id, page_path, page_title, referrer, user_agent,
			ip_address, country, city, device_type, browser, os,
			screen_resolution, time_on_page, created_at
		FROM page_views
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return fmt.Errorf("failed to query page views: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pv PageView
		if err := rows.Scan(
			&pv.ID, &pv.SessionID, &pv.PagePath, &pv.PageTitle, &pv.Referrer,
			&pv.UserAgent, &pv.IPAddress, &pv.Country, &pv.City, &pv.DeviceType,
			&pv.Browser, &pv.OS, &pv.ScreenResolution, &pv.TimeOnPage, &pv.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to scan page view: %w", err)
		}
		if err := fn(pv); err != nil {
			return err
		}
	}
	return rows.Err()
}
