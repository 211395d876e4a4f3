package analytics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Kawayip/church-sub001/pkg/enrich"
	"github.com/Kawayip/church-sub001/pkg/observability"
)

// Enricher derives device and location dimensions for an event
type Enricher interface {
	Derive(ctx context.Context, userAgent, ip string) enrich.Dimensions
}

// TrackerConfig controls the write path
type TrackerConfig struct {
	// StalenessWindow is how long a session stays active without events
	StalenessWindow time.Duration
	// SweepOnWrite deletes stale active users on every active-user upsert
	SweepOnWrite bool
}

// Tracker is the ingestion write path
type Tracker struct {
	store    *Store
	enricher Enricher
	cfg      TrackerConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewTracker creates a tracker. logger and metrics may be nil.
func NewTracker(store *Store, enricher Enricher, cfg TrackerConfig, logger *observability.Logger, metrics *observability.Metrics) *Tracker {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 30 * time.Minute
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if enricher == nil {
		enricher = enrich.NewEnricher(nil, 0, logger, metrics)
	}
	return &Tracker{
		store:    store,
		enricher: enricher,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// TrackPageView records a page view, bumps the page's stat row and the
// session's running page count, and refreshes the session's presence.
func (t *Tracker) TrackPageView(ctx context.Context, ev PageViewEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "analytics.TrackPageView",
		trace.WithAttributes(attribute.String("session.id", ev.SessionID)))
	defer span.End()

	now := t.now()
	dims := t.enricher.Derive(ctx, ev.UserAgent, ev.IPAddress)

	pv := &PageView{
		SessionID:        ev.SessionID,
		PagePath:         ev.PagePath,
		PageTitle:        ev.PageTitle,
		Referrer:         ev.Referrer,
		UserAgent:        ev.UserAgent,
		IPAddress:        ev.IPAddress,
		Country:          dims.Country,
		City:             dims.City,
		DeviceType:       dims.DeviceType,
		Browser:          dims.Browser,
		OS:               dims.OS,
		ScreenResolution: ev.ScreenResolution,
		TimeOnPage:       ev.TimeOnPage,
		CreatedAt:        now,
	}
	if err := t.store.InsertPageView(ctx, pv); err != nil {
		return spanError(span, err)
	}
	if err := t.store.UpsertPageStat(ctx, ev.PagePath, ev.PageTitle, now); err != nil {
		return spanError(span, err)
	}
	if err := t.store.IncrementPageCount(ctx, ev.SessionID, now); err != nil {
		return spanError(span, err)
	}
	if err := t.markActive(ctx, ActiveUser{
		SessionID:    ev.SessionID,
		PagePath:     ev.PagePath,
		UserAgent:    ev.UserAgent,
		IPAddress:    ev.IPAddress,
		LastActivity: now,
	}); err != nil {
		return spanError(span, err)
	}

	t.metrics.RecordPageView()
	return nil
}

// TrackSession creates the session on first contact, or only refreshes its
// update time when it already exists, then refreshes its presence. It reports
// whether this call created the session.
func (t *Tracker) TrackSession(ctx context.Context, ev SessionEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "analytics.TrackSession",
		trace.WithAttributes(attribute.String("session.id", ev.SessionID)))
	defer span.End()

	now := t.now()
	created, err := t.ensureSession(ctx, ev, now)
	if err != nil {
		return false, spanError(span, err)
	}

	if err := t.markActive(ctx, ActiveUser{
		SessionID:    ev.SessionID,
		PagePath:     ev.LandingPage,
		UserAgent:    ev.UserAgent,
		IPAddress:    ev.IPAddress,
		LastActivity: now,
	}); err != nil {
		return false, spanError(span, err)
	}

	if created {
		t.metrics.RecordSession("created")
	} else {
		t.metrics.RecordSession("existing")
	}
	span.SetAttributes(attribute.Bool("session.created", created))
	return created, nil
}

func (t *Tracker) ensureSession(ctx context.Context, ev SessionEvent, now time.Time) (bool, error) {
	exists, err := t.store.TouchSession(ctx, ev.SessionID, now)
	if err != nil || exists {
		return false, err
	}

	dims := t.enricher.Derive(ctx, ev.UserAgent, ev.IPAddress)
	created, err := t.store.InsertSession(ctx, &Session{
		ID:               ev.SessionID,
		UserID:           ev.UserID,
		IPAddress:        ev.IPAddress,
		UserAgent:        ev.UserAgent,
		Country:          dims.Country,
		City:             dims.City,
		DeviceType:       dims.DeviceType,
		Browser:          dims.Browser,
		OS:               dims.OS,
		ScreenResolution: ev.ScreenResolution,
		Referrer:         ev.Referrer,
		LandingPage:      ev.LandingPage,
		StartTime:        now,
	})
	if err != nil {
		return false, err
	}
	if !created {
		// A concurrent request inserted it first.
		t.logger.WithField("session_id", ev.SessionID).Debug("session created concurrently")
		if _, err := t.store.TouchSession(ctx, ev.SessionID, now); err != nil {
			return false, err
		}
	}
	return created, nil
}

// EndSession closes a session: duration is floored seconds since start and
// bounce means at most one recorded page view. Unknown and already closed
// sessions are a no-op. The returned outcome is one of EndClosed, EndUnknown
// or EndAlreadyClosed.
func (t *Tracker) EndSession(ctx context.Context, ev EndSessionEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "analytics.EndSession",
		trace.WithAttributes(attribute.String("session.id", ev.SessionID)))
	defer span.End()

	outcome, err := t.endSession(ctx, ev)
	if err != nil {
		return "", spanError(span, err)
	}
	span.SetAttributes(attribute.String("session.end", outcome))
	t.metrics.RecordSessionEnd(outcome)
	return outcome, nil
}

func (t *Tracker) endSession(ctx context.Context, ev EndSessionEvent) (string, error) {
	sess, err := t.store.GetSession(ctx, ev.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return EndUnknown, nil
	}
	if err != nil {
		return "", err
	}

	if sess.Closed() {
		if err := t.store.DeleteActiveUser(ctx, ev.SessionID); err != nil {
			return "", err
		}
		return EndAlreadyClosed, nil
	}

	now := t.now()
	count, err := t.store.CountPageViews(ctx, ev.SessionID)
	if err != nil {
		return "", err
	}

	closed, err := t.store.CloseSession(ctx, ev.SessionID, now,
		flooredSeconds(sess.StartTime, now), count, count <= 1, ev.ExitPage)
	if err != nil {
		return "", err
	}
	if err := t.store.DeleteActiveUser(ctx, ev.SessionID); err != nil {
		return "", err
	}
	if !closed {
		return EndAlreadyClosed, nil
	}
	return EndClosed, nil
}

// markActive upserts the presence row and, when configured, sweeps stale rows.
// A failed sweep is logged; the next write retries it.
func (t *Tracker) markActive(ctx context.Context, au ActiveUser) error {
	if err := t.store.UpsertActiveUser(ctx, au); err != nil {
		return err
	}
	if !t.cfg.SweepOnWrite {
		return nil
	}

	removed, err := t.store.SweepActiveUsers(ctx, au.LastActivity.Add(-t.cfg.StalenessWindow))
	if err != nil {
		t.logger.WithError(err).WithField("session_id", au.SessionID).Warn("active user sweep failed")
		return nil
	}
	t.metrics.RecordSweep(removed)
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
