// Package collector is the client side of site analytics. A Collector keeps a
// persistent session id, times each page a visitor sees, and reports sessions,
// page views and downloads to the ingestion endpoints without ever blocking
// or failing the caller.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/async"
	"github.com/Kawayip/church-sub001/pkg/downloads"
)

// ErrDisabled is used internally when tracking is switched off
var ErrDisabled = errors.New("analytics collection disabled")

const (
	defaultTimeout       = 10 * time.Second
	defaultFlushInterval = 5 * time.Minute
	defaultBufferCap     = 100
)

// Config configures a Collector
type Config struct {
	// Enabled switches all network activity on. A disabled collector makes
	// every method a no-op.
	Enabled bool
	// BaseURL is the API root, e.g. https://example.org/api
	BaseURL    string
	HTTPClient *http.Client
	// Store persists the session id and the download buffer. Defaults to
	// an in-memory store.
	Store StateStore
	// PageViewDelay postpones the landing page view. A page left before the
	// delay elapses is only reported once, on leave.
	PageViewDelay time.Duration
	FlushInterval time.Duration
	BufferCap     int
	// Timeout bounds every emission
	Timeout          time.Duration
	UserAgent        string
	ScreenResolution string
	UserID           *int64
	Logger           logrus.FieldLogger
}

// DefaultConfig returns an enabled configuration for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		Enabled:       true,
		BaseURL:       baseURL,
		PageViewDelay: time.Second,
		FlushInterval: defaultFlushInterval,
		BufferCap:     defaultBufferCap,
		Timeout:       defaultTimeout,
	}
}

// Page identifies the page a visitor is looking at
type Page struct {
	Path     string
	Title    string
	Referrer string
}

// Collector reports one visitor's activity
type Collector struct {
	cfg    Config
	client *http.Client
	store  StateStore
	logger logrus.FieldLogger
	now    func() time.Time
	group  async.Group

	mu        sync.Mutex
	sessionID string
	current   *Page
	pageStart time.Time
	landing   *time.Timer
	// tail is closed when the most recently queued session emission is done
	tail chan struct{}

	bufMu    sync.Mutex
	inflight map[string]bool
}

// New creates a collector, loading the persisted session id or creating one
func New(cfg Config) (*Collector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = defaultBufferCap
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Collector{
		cfg:      cfg,
		client:   cfg.HTTPClient,
		store:    cfg.Store,
		logger:   cfg.Logger,
		now:      time.Now,
		inflight: make(map[string]bool),
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout}
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	c.logger = c.logger.WithField("component", "analytics-collector")

	if !cfg.Enabled {
		return c, nil
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("collector base URL is required")
	}

	id, err := c.store.LoadSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to load session id: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
		if err := c.store.SaveSessionID(id); err != nil {
			return nil, fmt.Errorf("failed to save session id: %w", err)
		}
	}
	c.sessionID = id
	return c, nil
}

// SessionID returns the persisted session id, empty when disabled
func (c *Collector) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ResetSession discards the persisted session id and starts a new one
func (c *Collector) ResetSession() error {
	if !c.cfg.Enabled {
		return nil
	}
	id := uuid.NewString()
	if err := c.store.SaveSessionID(id); err != nil {
		return fmt.Errorf("failed to save session id: %w", err)
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	return nil
}

// Start records the initial load of page: a session event immediately and a
// page view for page once PageViewDelay has elapsed.
func (c *Collector) Start(page Page) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLanding()
	c.current = &page
	c.pageStart = c.now()

	session := analytics.SessionEvent{
		SessionID:        c.sessionID,
		UserID:           c.cfg.UserID,
		UserAgent:        c.cfg.UserAgent,
		Referrer:         page.Referrer,
		LandingPage:      page.Path,
		ScreenResolution: c.cfg.ScreenResolution,
	}
	c.enqueue("track session", session.SessionID, func(ctx context.Context) error {
		return c.post(ctx, "/analytics/track-session", session)
	})

	view := c.pageView(page, 0)
	if c.cfg.PageViewDelay <= 0 {
		c.enqueuePageView(view)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.cfg.PageViewDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.landing != timer {
			return
		}
		c.landing = nil
		c.enqueuePageView(view)
	})
	c.landing = timer
}

// Navigate reports the page being left, with its dwell time, and starts
// timing page. Navigating to the current path does nothing.
func (c *Collector) Navigate(page Page) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.Path == page.Path {
		return
	}
	if c.current != nil {
		c.stopLanding()
		c.enqueuePageView(c.pageView(*c.current, c.elapsed()))
	}
	c.current = &page
	c.pageStart = c.now()
}

// End reports the current page and closes the session. The end-session call
// is sent only after every earlier emission has finished.
func (c *Collector) End() {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}
	c.stopLanding()

	view := c.pageView(*c.current, c.elapsed())
	end := analytics.EndSessionEvent{SessionID: c.sessionID, ExitPage: c.current.Path}
	c.current = nil

	c.enqueuePageView(view)
	c.enqueue("end session", end.SessionID, func(ctx context.Context) error {
		return c.post(ctx, "/analytics/end-session", end)
	})
}

// TrackDownload buffers ev and sends it. The buffered copy is dropped once
// the server confirms it and is left out of syncs while the call is pending.
func (c *Collector) TrackDownload(ev downloads.Event) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	ev.SessionID = c.sessionID
	c.mu.Unlock()
	if ev.UserAgent == "" {
		ev.UserAgent = c.cfg.UserAgent
	}
	if ev.UserID == nil {
		ev.UserID = c.cfg.UserID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now().UTC()
	}

	entry := BufferedDownload{ID: uuid.NewString(), Event: ev}
	if err := c.buffer(entry); err != nil {
		c.logger.WithError(err).WithField("file_name", ev.FileName).Warn("Failed to buffer download")
	}

	c.emit("track download", ev.SessionID, func(ctx context.Context) error {
		err := c.post(ctx, "/downloads/track", ev)
		if settleErr := c.settle(entry.ID, err == nil); settleErr != nil && err == nil {
			err = settleErr
		}
		return err
	})
}

// FlushDownloads sends every buffered download in one sync call and clears
// them from the buffer on success. Downloads whose own track call has not
// finished yet are skipped.
func (c *Collector) FlushDownloads(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	c.bufMu.Lock()
	pending, err := c.store.LoadDownloads()
	events := make([]downloads.Event, 0, len(pending))
	sent := make(map[string]bool, len(pending))
	for _, p := range pending {
		if c.inflight[p.ID] {
			continue
		}
		events = append(events, p.Event)
		sent[p.ID] = true
	}
	c.bufMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to load download buffer: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Downloads []downloads.Event `json:"downloads"`
	}{Downloads: events}
	if err := c.post(ctx, "/downloads/sync", body); err != nil {
		return fmt.Errorf("failed to sync %d downloads: %w", len(events), err)
	}

	if err := c.unbuffer(sent); err != nil {
		return err
	}
	c.logger.WithField("count", len(events)).Debug("Synced buffered downloads")
	return nil
}

// Run flushes the download buffer now and then every FlushInterval until ctx
// is cancelled.
func (c *Collector) Run(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}
	c.group.Go(ctx, c.cfg.Timeout, "flush downloads", c.FlushDownloads)
	async.Every(ctx, c.cfg.FlushInterval, c.cfg.Timeout, "flush downloads", c.FlushDownloads)
}

// Wait blocks until every emission started so far has finished
func (c *Collector) Wait() {
	c.group.Wait()
}

// Pending returns the downloads still waiting for delivery
func (c *Collector) Pending() ([]BufferedDownload, error) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return c.store.LoadDownloads()
}

func (c *Collector) buffer(entry BufferedDownload) error {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	pending, err := c.store.LoadDownloads()
	if err != nil {
		return err
	}
	pending = append(pending, entry)
	if len(pending) > c.cfg.BufferCap {
		pending = pending[len(pending)-c.cfg.BufferCap:]
	}
	if err := c.store.SaveDownloads(pending); err != nil {
		return err
	}
	c.inflight[entry.ID] = true
	return nil
}

// settle ends the track call for id, dropping the buffered copy when it was
// delivered
func (c *Collector) settle(id string, delivered bool) error {
	c.bufMu.Lock()
	_, tracked := c.inflight[id]
	delete(c.inflight, id)
	c.bufMu.Unlock()
	if !delivered || !tracked {
		return nil
	}
	return c.unbuffer(map[string]bool{id: true})
}

func (c *Collector) unbuffer(ids map[string]bool) error {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	pending, err := c.store.LoadDownloads()
	if err != nil {
		return err
	}
	kept := pending[:0]
	for _, p := range pending {
		if !ids[p.ID] {
			kept = append(kept, p)
		}
	}
	return c.store.SaveDownloads(kept)
}

// stopLanding cancels a landing page view that has not fired yet. Callers
// hold c.mu.
func (c *Collector) stopLanding() {
	if c.landing != nil {
		c.landing.Stop()
		c.landing = nil
	}
}

// elapsed returns whole seconds on the current page. Callers hold c.mu.
func (c *Collector) elapsed() int {
	d := c.now().Sub(c.pageStart)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func (c *Collector) pageView(page Page, seconds int) analytics.PageViewEvent {
	return analytics.PageViewEvent{
		SessionID:        c.sessionID,
		PagePath:         page.Path,
		PageTitle:        page.Title,
		Referrer:         page.Referrer,
		UserAgent:        c.cfg.UserAgent,
		ScreenResolution: c.cfg.ScreenResolution,
		TimeOnPage:       seconds,
	}
}

// enqueuePageView queues a page view behind earlier session emissions.
// Callers hold c.mu.
func (c *Collector) enqueuePageView(view analytics.PageViewEvent) {
	c.enqueue("track page view", view.SessionID, func(ctx context.Context) error {
		return c.post(ctx, "/analytics/track-page-view", view)
	})
}

// enqueue runs fn in the background once the previously queued session
// emission has finished, so the server sees one visit's events in order.
// Each emission gets its own timeout. Callers hold c.mu.
func (c *Collector) enqueue(name, sessionID string, fn func(context.Context) error) {
	prev := c.tail
	done := make(chan struct{})
	c.tail = done

	c.emit(name, sessionID, func(context.Context) error {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		return fn(ctx)
	})
}

// emit runs fn in the background. Failures are logged and dropped.
func (c *Collector) emit(name, sessionID string, fn func(context.Context) error) {
	c.group.Go(context.Background(), c.cfg.Timeout, name, func(ctx context.Context) error {
		if err := fn(ctx); err != nil && !errors.Is(err, ErrDisabled) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"event":      name,
				"session_id": sessionID,
			}).Warn("Analytics emission failed")
		}
		return nil
	})
}

func (c *Collector) post(ctx context.Context, path string, payload interface{}) error {
	if !c.cfg.Enabled {
		return ErrDisabled
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return nil
}
