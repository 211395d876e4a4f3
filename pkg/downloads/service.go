package downloads

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
	topFilesAnalytics  = 20
	topFilesStats      = 5
	trailingDays       = 30
)

// Service answers download reporting queries
type Service struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// NewService creates a reporting service; loc sets calendar-day boundaries
func NewService(db *sql.DB, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{db: db, loc: loc, now: time.Now}
}

// Analytics returns the total count, the top 20 files, a per-day series over
// the trailing 30 days, per-type counts and the 10 most recent events.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	var (
		result Analytics
		err    error
	)

	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM download_events`).Scan(&result.TotalDownloads); err != nil {
		return nil, fmt.Errorf("failed to count downloads: %w", err)
	}

	result.ByFile, err = s.topFiles(ctx, topFilesAnalytics)
	if err != nil {
		return nil, err
	}

	byDate := `
		SELECT TO_CHAR(DATE(downloaded_at AT TIME ZONE $2), 'YYYY-MM-DD') AS day, COUNT(*)
		FROM download_events
		WHERE downloaded_at >= $1
		GROUP BY day
		ORDER BY day
	`
	result.ByDate, err = s.counts(ctx, byDate, s.now().AddDate(0, 0, -trailingDays), s.loc.String())
	if err != nil {
		return nil, fmt.Errorf("failed to count downloads by date: %w", err)
	}

	byType := `
		SELECT file_type, COUNT(*)
		FROM download_events
		GROUP BY file_type
		ORDER BY COUNT(*) DESC, file_type
	`
	result.ByType, err = s.counts(ctx, byType)
	if err != nil {
		return nil, fmt.Errorf("failed to count downloads by type: %w", err)
	}

	result.Recent, err = s.Recent(ctx, defaultRecentLimit)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns today, 7-day and 30-day counts plus the top 5 files
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now()
	y, m, d := now.In(s.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, s.loc)

	query := `
		SELECT
			COUNT(*) FILTER (WHERE downloaded_at >= $1),
			COUNT(*) FILTER (WHERE downloaded_at >= $2),
			COUNT(*) FILTER (WHERE downloaded_at >= $3)
		FROM download_events
		WHERE downloaded_at >= LEAST($1, $2, $3)
	`
	var stats Stats
	err := s.db.QueryRowContext(ctx, query, today, now.AddDate(0, 0, -7), now.AddDate(0, 0, -trailingDays)).
		Scan(&stats.Today, &stats.Week, &stats.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent downloads: %w", err)
	}

	stats.TopFiles, err = s.topFiles(ctx, topFilesStats)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Recent returns the newest events. limit defaults to 10 and is capped at 100.
func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	query := `
		SELECT id, file_name, file_url, file_type, file_size, user_agent,
			ip_address, referrer, user_id, session_id, downloaded_at
		FROM download_events
		ORDER BY downloaded_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent downloads: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsBetween streams events downloaded in [from, to) to fn in time order
func (s *Service) EventsBetween(ctx context.Context, from, to time.Time, fn func(Event) error) error {
	query := `
		SELECT id, file_name, file_url, file_type, file_size, user_agent,
			ip_address, referrer, user_id, session_id, downloaded_at
		FROM download_events
		WHERE downloaded_at >= $1 AND downloaded_at < $2
		ORDER BY downloaded_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Service) topFiles(ctx context.Context, limit int) ([]Count, error) {
	query := `
		SELECT file_name, COUNT(*)
		FROM download_events
		GROUP BY file_name
		ORDER BY COUNT(*) DESC, file_name
		LIMIT $1
	`
	counts, err := s.counts(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to count downloads by file: %w", err)
	}
	return counts, nil
}

func (s *Service) counts(ctx context.Context, query string, args ...interface{}) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev     Event
		userID sql.NullInt64
	)
	err := rows.Scan(&ev.ID, &ev.FileName, &ev.FileURL, &ev.FileType, &ev.FileSize,
		&ev.UserAgent, &ev.IPAddress, &ev.Referrer, &userID, &ev.SessionID, &ev.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("failed to scan download event: %w", err)
	}
	if userID.Valid {
		ev.UserID = &userID.Int64
	}
	return ev, nil
}
