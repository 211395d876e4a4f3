package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/archive"
	"github.com/Kawayip/church-sub001/pkg/async"
	"github.com/Kawayip/church-sub001/pkg/config"
	"github.com/Kawayip/church-sub001/pkg/downloads"
	"github.com/Kawayip/church-sub001/pkg/observability"
	"github.com/Kawayip/church-sub001/pkg/storage/postgres"
)

var (
	sweepSchedule   = flag.String("sweep-schedule", getEnv("SWEEP_SCHEDULE", "*/5 * * * *"), "Cron schedule for the active user sweep (default: every 5 minutes)")
	abandonSchedule = flag.String("abandon-schedule", getEnv("ABANDON_SCHEDULE", "0 * * * *"), "Cron schedule for closing abandoned sessions (default: hourly)")
	archiveSchedule = flag.String("archive-schedule", getEnv("ARCHIVE_SCHEDULE", "30 0 * * *"), "Cron schedule for the daily S3 export (default: 00:30)")
	runOnce         = flag.Bool("run-once", false, "Run every job once and exit")
	archiveDate     = flag.String("date", "", "Day to export (YYYY-MM-DD). If empty, exports yesterday. Only used with --run-once")
	overwrite       = flag.Bool("overwrite", false, "Replace existing export objects. Only used with --run-once")
)

type jobs struct {
	sweeper  *analytics.Sweeper
	exporter *archive.Exporter
	loc      *time.Location
	log      logrus.FieldLogger
}

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel); err == nil {
		log.SetLevel(level)
	}
	async.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbLogger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "analytics-sweeper")
	conns, err := postgres.NewConnectionManager(ctx, cfg.Database, dbLogger)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer conns.Close()

	loc := cfg.Analytics.Location()
	store := analytics.NewStore(conns.Primary())
	j := &jobs{
		sweeper: analytics.NewSweeper(store, analytics.SweeperConfig{
			StalenessWindow: cfg.Analytics.StalenessWindow,
			AbandonAfter:    cfg.Analytics.AbandonAfter,
		}, log, nil),
		loc: loc,
		log: log,
	}

	if cfg.Archive.Enabled() {
		s3, err := postgres.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			log.WithError(err).Fatal("Failed to create S3 client")
		}
		j.exporter = archive.NewExporter(store, downloads.NewService(conns.Replica(), loc), s3, loc, log)
	}

	if *runOnce {
		day := time.Now().In(loc).AddDate(0, 0, -1)
		if *archiveDate != "" {
			day, err = time.ParseInLocation("2006-01-02", *archiveDate, loc)
			if err != nil {
				log.WithError(err).Fatal("Invalid date format")
			}
		}
		if err := j.runAll(ctx, day, *overwrite); err != nil {
			log.WithError(err).Fatal("Run failed")
		}
		log.Info("Run completed successfully")
		return
	}

	// Schedules are evaluated in the reporting time zone so "yesterday" is a
	// whole local day.
	c := cron.New(cron.WithLocation(loc))

	schedule := func(spec, name string, fn func(context.Context) error) {
		if _, err := c.AddFunc(spec, func() {
			if err := fn(ctx); err != nil {
				log.WithError(err).WithField("job", name).Error("Job failed")
			}
		}); err != nil {
			log.WithError(err).WithField("job", name).Fatal("Failed to schedule job")
		}
		log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("Scheduled job")
	}

	schedule(*sweepSchedule, "sweep-active-users", func(ctx context.Context) error {
		_, err := j.sweeper.SweepActiveUsers(ctx)
		return err
	})
	if cfg.Analytics.AbandonAfter > 0 {
		schedule(*abandonSchedule, "close-abandoned", func(ctx context.Context) error {
			_, err := j.sweeper.CloseAbandoned(ctx)
			return err
		})
	}
	if j.exporter != nil {
		schedule(*archiveSchedule, "archive", func(ctx context.Context) error {
			return j.archive(ctx, time.Now().In(loc).AddDate(0, 0, -1), false)
		})
	}

	c.Start()
	log.Info("Analytics sweeper started")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	stopped := c.Stop()
	<-stopped.Done()

	log.Info("Analytics sweeper stopped")
}

func (j *jobs) runAll(ctx context.Context, day time.Time, overwrite bool) error {
	if err := j.sweeper.Run(ctx); err != nil {
		return err
	}
	if j.exporter == nil {
		j.log.Info("Archive bucket not configured, skipping export")
		return nil
	}
	return j.archive(ctx, day, overwrite)
}

func (j *jobs) archive(ctx context.Context, day time.Time, overwrite bool) error {
	result, err := j.exporter.ExportDay(ctx, day, overwrite)
	if err != nil {
		return err
	}
	j.log.WithFields(logrus.Fields{
		"day":        result.Day,
		"page_views": result.PageViews,
		"downloads":  result.Downloads,
		"skipped":    result.Skipped,
	}).Info("Exported analytics archive")
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
