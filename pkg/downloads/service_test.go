package downloads

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventColumns = []string{
	"id", "file_name", "file_url", "file_type", "file_size", "user_agent",
	"ip_address", "referrer", "user_id", "session_id", "downloaded_at",
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := NewService(db, time.UTC)
	svc.now = func() time.Time { return fixedNow }
	return svc, mock
}

func TestService_Analytics(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM download_events$`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(57))
	mock.ExpectQuery(`SELECT file_name, COUNT\(\*\) FROM download_events GROUP BY file_name`).WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"file_name", "count"}).AddRow("bulletin.pdf", 30).AddRow("sermon.mp3", 27))
	mock.ExpectQuery(`AT TIME ZONE \$2`).WithArgs(fixedNow.AddDate(0, 0, -30), "UTC").
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).AddRow("2026-03-07", 4).AddRow("2026-03-08", 2))
	mock.ExpectQuery(`SELECT file_type, COUNT\(\*\) FROM download_events GROUP BY file_type`).
		WillReturnRows(sqlmock.NewRows([]string{"file_type", "count"}).AddRow("pdf", 30).AddRow("audio", 27))
	mock.ExpectQuery(`ORDER BY downloaded_at DESC, id DESC LIMIT \$1`).WithArgs(10).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(57, "sermon.mp3", "/f/sermon.mp3", "audio", 1024, "ua", "1.2.3.4", "", nil, "s9", fixedNow))

	result, err := svc.Analytics(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(57), result.TotalDownloads)
	assert.Equal(t, []Count{{"bulletin.pdf", 30}, {"sermon.mp3", 27}}, result.ByFile)
	assert.Len(t, result.ByDate, 2)
	assert.Equal(t, "audio", result.ByType[1].Key)
	require.Len(t, result.Recent, 1)
	assert.Equal(t, "s9", result.Recent[0].SessionID)
	assert.Nil(t, result.Recent[0].UserID)
}

func TestService_Stats(t *testing.T) {
	svc, mock := newTestService(t)
	today := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WithArgs(today, fixedNow.AddDate(0, 0, -7), fixedNow.AddDate(0, 0, -30)).
		WillReturnRows(sqlmock.NewRows([]string{"today", "week", "month"}).AddRow(2, 9, 31))
	mock.ExpectQuery(`GROUP BY file_name`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"file_name", "count"}).AddRow("bulletin.pdf", 30))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Today)
	assert.Equal(t, int64(9), stats.Week)
	assert.Equal(t, int64(31), stats.Month)
	assert.Len(t, stats.TopFiles, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_RecentLimits(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{0, 10},
		{-3, 10},
		{25, 25},
		{1000, 100},
	}
	for _, tt := range tests {
		svc, mock := newTestService(t)
		mock.ExpectQuery(`LIMIT \$1`).WithArgs(tt.want).WillReturnRows(sqlmock.NewRows(eventColumns))

		events, err := svc.Recent(context.Background(), tt.requested)
		require.NoError(t, err)
		assert.NotNil(t, events)
		assert.NoError(t, mock.ExpectationsWereMet(), "limit %d", tt.requested)
	}
}

func TestService_EventsBetween(t *testing.T) {
	svc, mock := newTestService(t)
	from := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	mock.ExpectQuery(`WHERE downloaded_at >= \$1 AND downloaded_at < \$2 ORDER BY downloaded_at, id`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(1, "a.pdf", "", "pdf", 1, "", "", "", int64(4), "s1", from.Add(time.Hour)).
			AddRow(2, "b.pdf", "", "pdf", 1, "", "", "", nil, "s2", from.Add(2*time.Hour)))

	var names []string
	err := svc.EventsBetween(context.Background(), from, to, func(ev Event) error {
		names = append(names, ev.FileName)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, names)
}
