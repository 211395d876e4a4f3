package downloads

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Kawayip/church-sub001/pkg/observability"
)

const insertEventQuery = `
	INSERT INTO download_events (
		file_name, file_url, file_type, file_size, user_agent, ip_address,
		referrer, user_id, session_id, downloaded_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

// Tracker appends download events
type Tracker struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewTracker creates a tracker writing to db
func NewTracker(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Tracker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Tracker{db: db, logger: logger, metrics: metrics, now: time.Now}
}

func (t *Tracker) args(ev *Event) []interface{} {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	var userID interface{}
	if ev.UserID != nil {
		userID = *ev.UserID
	}
	return []interface{}{
		ev.FileName, ev.FileURL, ev.FileType, ev.FileSize, ev.UserAgent,
		ev.IPAddress, ev.Referrer, userID, ev.SessionID, ev.Timestamp,
	}
}

// Track appends a single event
func (t *Tracker) Track(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, insertEventQuery, t.args(&ev)...); err != nil {
		return fmt.Errorf("failed to insert download event: %w", err)
	}
	t.metrics.RecordDownloads("track", 1)
	return nil
}

// Sync appends a batch of buffered events in one transaction. Events without a
// file name are skipped and counted; an empty batch writes nothing.
func (t *Tracker) Sync(ctx context.Context, events []Event) (SyncResult, error) {
	var result SyncResult
	valid := make([]Event, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			result.Skipped++
			continue
		}
		valid = append(valid, ev)
	}
	if result.Skipped > 0 {
		t.logger.WithField("skipped", result.Skipped).Warn("skipped invalid download events in sync")
	}
	if len(valid) == 0 {
		return result, nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEventQuery)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range valid {
		if _, err := stmt.ExecContext(ctx, t.args(&valid[i])...); err != nil {
			return SyncResult{}, fmt.Errorf("failed to insert download event %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return SyncResult{}, fmt.Errorf("failed to commit download sync: %w", err)
	}

	result.Synced = len(valid)
	t.metrics.RecordDownloads("sync", result.Synced)
	return result, nil
}
