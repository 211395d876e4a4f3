package downloads

import (
	"errors"
	"time"
)

// ErrInvalidEvent marks a download event without a file name
var ErrInvalidEvent = errors.New("invalid download event")

// Event is one file download. Timestamp defaults to the time of ingestion.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	FileName  string    `json:"fileName"`
	FileURL   string    `json:"fileUrl"`
	FileType  string    `json:"fileType"`
	FileSize  int64     `json:"fileSize"`
	UserAgent string    `json:"userAgent"`
	IPAddress string    `json:"ipAddress"`
	Referrer  string    `json:"referrer"`
	UserID    *int64    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields every stored event needs
func (e *Event) Validate() error {
	if e.FileName == "" {
		return ErrInvalidEvent
	}
	if e.FileSize < 0 {
		e.FileSize = 0
	}
	return nil
}

// SyncResult reports what a batch sync stored
type SyncResult struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
}

// Count is a download count for one key (file name, date or type)
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Analytics is the full download rollup
type Analytics struct {
	TotalDownloads int64   `json:"totalDownloads"`
	ByFile         []Count `json:"downloadsByFile"`
	ByDate         []Count `json:"downloadsByDate"`
	ByType         []Count `json:"downloadsByType"`
	Recent         []Event `json:"recentDownloads"`
}

// Stats is the compact dashboard summary
type Stats struct {
	Today    int64   `json:"today"`
	Week     int64   `json:"thisWeek"`
	Month    int64   `json:"thisMonth"`
	TopFiles []Count `json:"topFiles"`
}
