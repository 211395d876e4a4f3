package analytics

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kawayip/church-sub001/pkg/observability"
)

// SweeperConfig controls maintenance of the session tables
type SweeperConfig struct {
	StalenessWindow time.Duration
	// AbandonAfter closes open sessions idle for longer than this. Zero leaves
	// sessions without an end-session call open forever.
	AbandonAfter time.Duration
}

// Sweeper evicts stale active users and closes abandoned sessions
type Sweeper struct {
	store   *Store
	cfg     SweeperConfig
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSweeper creates a sweeper. logger and metrics may be nil.
func NewSweeper(store *Store, cfg SweeperConfig, logger logrus.FieldLogger, metrics *observability.Metrics) *Sweeper {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 30 * time.Minute
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &Sweeper{
		store:   store,
		cfg:     cfg,
		logger:  logger.WithField("component", "analytics-sweeper"),
		metrics: metrics,
		now:     time.Now,
	}
}

// SweepActiveUsers deletes active-user rows older than the staleness window
func (s *Sweeper) SweepActiveUsers(ctx context.Context) (int64, error) {
	removed, err := s.store.SweepActiveUsers(ctx, s.now().Add(-s.cfg.StalenessWindow))
	if err != nil {
		s.logger.WithError(err).Warn("Active user sweep failed")
		return 0, err
	}
	s.metrics.RecordSweep(removed)
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Swept stale active users")
	}
	return removed, nil
}

// CloseAbandoned closes sessions idle beyond AbandonAfter. It does nothing
// when AbandonAfter is zero.
func (s *Sweeper) CloseAbandoned(ctx context.Context) (int64, error) {
	if s.cfg.AbandonAfter <= 0 {
		return 0, nil
	}

	closed, err := s.store.CloseAbandonedSessions(ctx, s.now().Add(-s.cfg.AbandonAfter))
	if err != nil {
		s.logger.WithError(err).Warn("Abandoned session sweep failed")
		return 0, err
	}
	s.metrics.RecordAbandoned(closed)
	if closed > 0 {
		s.logger.WithFields(logrus.Fields{
			"closed":        closed,
			"abandon_after": s.cfg.AbandonAfter.String(),
		}).Info("Closed abandoned sessions")
	}
	return closed, nil
}

// Run performs both sweeps and returns the first error
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.SweepActiveUsers(ctx); err != nil {
		return err
	}
	_, err := s.CloseAbandoned(ctx)
	return err
}
