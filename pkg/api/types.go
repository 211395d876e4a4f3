package api

import (
	"context"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/downloads"
)

// Ingestor is the analytics write path
type Ingestor interface {
	TrackPageView(ctx context.Context, ev analytics.PageViewEvent) error
	TrackSession(ctx context.Context, ev analytics.SessionEvent) (bool, error)
	EndSession(ctx context.Context, ev analytics.EndSessionEvent) (string, error)
}

// Reporter is the analytics read path
type Reporter interface {
	DashboardStats(ctx context.Context, days int) (*analytics.DashboardStats, error)
	DetailedSessions(ctx context.Context, filter analytics.SessionFilter) (*analytics.SessionPage, error)
	ActiveUsers(ctx context.Context) ([]analytics.ActiveUser, error)
}

// DownloadIngestor records download events
type DownloadIngestor interface {
	Track(ctx context.Context, ev downloads.Event) error
	Sync(ctx context.Context, events []downloads.Event) (downloads.SyncResult, error)
}

// DownloadReporter answers download rollups
type DownloadReporter interface {
	Analytics(ctx context.Context) (*downloads.Analytics, error)
	Stats(ctx context.Context) (*downloads.Stats, error)
	Recent(ctx context.Context, limit int) ([]downloads.Event, error)
}

// SyncResponse is the body returned by a batch download sync
type SyncResponse struct {
	Success bool `json:"success"`
	downloads.SyncResult
}
