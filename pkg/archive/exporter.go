// Package archive exports a day of raw tracking data to object storage as
// JSON lines so the relational tables can be pruned or replayed later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/downloads"
)

// ObjectStore is where exports are written. *postgres.S3Client implements it.
type ObjectStore interface {
	Key(name string) string
	ObjectExists(ctx context.Context, key string) (bool, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// PageViewSource streams page views of a time range
type PageViewSource interface {
	PageViewsBetween(ctx context.Context, from, to time.Time, fn func(analytics.PageView) error) error
}

// DownloadSource streams download events of a time range
type DownloadSource interface {
	EventsBetween(ctx context.Context, from, to time.Time, fn func(downloads.Event) error) error
}

const contentType = "application/x-ndjson"

// Exporter writes <prefix>/page_views/YYYY-MM-DD.jsonl and
// <prefix>/downloads/YYYY-MM-DD.jsonl
type Exporter struct {
	pageViews PageViewSource
	downloads DownloadSource
	store     ObjectStore
	loc       *time.Location
	logger    logrus.FieldLogger
}

// NewExporter creates an exporter; loc sets calendar-day boundaries
func NewExporter(pageViews PageViewSource, dl DownloadSource, store ObjectStore, loc *time.Location, logger logrus.FieldLogger) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{
		pageViews: pageViews,
		downloads: dl,
		store:     store,
		loc:       loc,
		logger:    logger.WithField("component", "archive"),
	}
}

// Result counts the rows written per dataset; a dataset whose object already
// existed is reported as skipped
type Result struct {
	Day       string
	PageViews int
	Downloads int
	Skipped   []string
}

// ExportDay exports the calendar day containing day. Objects that already
// exist are left alone unless overwrite is set, so reruns are safe.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time, overwrite bool) (*Result, error) {
	y, m, d := day.In(e.loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	to := from.AddDate(0, 0, 1)
	result := &Result{Day: from.Format("2006-01-02")}

	pvKey := e.store.Key("page_views/" + result.Day + ".jsonl")
	written, skipped, err := e.export(ctx, pvKey, overwrite, func(enc *json.Encoder) (int, error) {
		n := 0
		err := e.pageViews.PageViewsBetween(ctx, from, to, func(pv analytics.PageView) error {
			n++
			return enc.Encode(pv)
		})
		return n, err
	})
	if err != nil {
		return nil, err
	}
	result.PageViews = written
	if skipped {
		result.Skipped = append(result.Skipped, pvKey)
	}

	dlKey := e.store.Key("downloads/" + result.Day + ".jsonl")
	written, skipped, err = e.export(ctx, dlKey, overwrite, func(enc *json.Encoder) (int, error) {
		n := 0
		err := e.downloads.EventsBetween(ctx, from, to, func(ev downloads.Event) error {
			n++
			return enc.Encode(ev)
		})
		return n, err
	})
	if err != nil {
		return nil, err
	}
	result.Downloads = written
	if skipped {
		result.Skipped = append(result.Skipped, dlKey)
	}

	e.logger.WithFields(logrus.Fields{
		"day":        result.Day,
		"page_views": result.PageViews,
		"downloads":  result.Downloads,
		"skipped":    len(result.Skipped),
	}).Info("Archive export complete")
	return result, nil
}

func (e *Exporter) export(ctx context.Context, key string, overwrite bool, fill func(*json.Encoder) (int, error)) (int, bool, error) {
	if !overwrite {
		exists, err := e.store.ObjectExists(ctx, key)
		if err != nil {
			return 0, false, fmt.Errorf("failed to check %s: %w", key, err)
		}
		if exists {
			return 0, true, nil
		}
	}

	var buf bytes.Buffer
	n, err := fill(json.NewEncoder(&buf))
	if err != nil {
		return 0, false, fmt.Errorf("failed to collect %s: %w", key, err)
	}
	if err := e.store.PutObject(ctx, key, buf.Bytes(), contentType); err != nil {
		return 0, false, err
	}
	return n, false, nil
}
