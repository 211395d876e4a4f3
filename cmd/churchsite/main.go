package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/api"
	"github.com/Kawayip/church-sub001/pkg/async"
	"github.com/Kawayip/church-sub001/pkg/config"
	"github.com/Kawayip/church-sub001/pkg/downloads"
	"github.com/Kawayip/church-sub001/pkg/enrich"
	"github.com/Kawayip/church-sub001/pkg/httputil"
	"github.com/Kawayip/church-sub001/pkg/middleware"
	"github.com/Kawayip/church-sub001/pkg/observability"
	"github.com/Kawayip/church-sub001/pkg/storage/postgres"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "churchsite")
	async.Logger = backgroundLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func backgroundLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return l
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	otel, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	conns, err := postgres.NewConnectionManager(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}

	if cfg.Database.AutoMigrate || migrateOnly {
		if err := postgres.Migrate(ctx, conns.Primary(), logger); err != nil {
			conns.Close()
			return err
		}
		if migrateOnly {
			logger.Info("Migrations applied")
			return conns.Close()
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	conns.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)

	// Redis is optional: without it there is no dashboard cache and rate
	// limiting stays in process
	var (
		redisClient *postgres.RedisClient
		cache       analytics.Cache
	)
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing without cache")
		} else {
			cache = redisClient
		}
	}

	resolver, closeResolver := geoResolver(ctx, cfg, logger)
	enricher := enrich.NewEnricher(resolver, cfg.Analytics.GeoTimeout, logger, metrics)

	an := cfg.Analytics
	loc := an.Location()
	store := analytics.NewStore(conns.Primary())
	tracker := analytics.NewTracker(store, enricher, analytics.TrackerConfig{
		StalenessWindow: an.StalenessWindow,
		SweepOnWrite:    an.SweepOnWrite,
	}, logger, metrics)
	reports := analytics.NewService(conns.Replica(), cache, analytics.ServiceConfig{
		StalenessWindow:  an.StalenessWindow,
		Location:         loc,
		CacheTTL:         an.DashboardCacheTTL,
		QueryConcurrency: an.QueryConcurrency,
	}, logger, metrics)

	sweeper := analytics.NewSweeper(store, analytics.SweeperConfig{
		StalenessWindow: an.StalenessWindow,
		AbandonAfter:    an.AbandonAfter,
	}, async.Logger, metrics)
	if an.SweepInterval > 0 {
		async.SafeGo(ctx, time.Minute, "startup analytics sweep", sweeper.Run)
	}
	async.Every(ctx, an.SweepInterval, time.Minute, "analytics sweep", sweeper.Run)

	downloadTracker := downloads.NewTracker(conns.Primary(), logger, metrics)
	downloadReports := downloads.NewService(conns.Replica(), loc)

	var limiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		rl := &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.RateLimit.Burst,
		}
		if redisClient != nil {
			limiter = middleware.NewDistributedRateLimiter(redisClient, rl, "ratelimit:ingest")
		} else {
			local := middleware.NewRateLimiter(rl)
			local.StartCleanup(ctx)
			limiter = local
		}
	}

	proxies, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	server := api.NewServer(
		api.NewAnalyticsHandlers(tracker, reports, loc),
		api.NewDownloadHandlers(downloadTracker, downloadReports),
		api.Options{
			Logger:         logger,
			Metrics:        metrics,
			Verifier:       middleware.NewTokenVerifier(cfg.Auth.JWTSecret),
			Limiter:        limiter,
			ReportingRoles: cfg.Auth.ReportingRoles,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			TrustedProxies: proxies,
		},
	)

	var redisRaw *redis.Client
	if redisClient != nil {
		redisRaw = redisClient.Client()
	}
	checker := observability.NewHealthChecker(conns.Primary(), redisRaw, version)
	observability.RegisterHealthRoutes(server.Router(), checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(server.Router(), registry)
	}

	var handler http.Handler = server
	if otel != nil {
		handler = otelhttp.NewHandler(server, "churchsite")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return conns.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if closeResolver != nil {
		shutdown.Register("geoip", func(context.Context) error { return closeResolver() })
	}
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		defer observability.RecoverPanic(logger, "http server")
		logger.WithFields(map[string]interface{}{
			"addr":    httpServer.Addr,
			"version": version,
		}).Info("Starting churchsite server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		// Release dependencies; Shutdown waits for a done context.
		done, cancel := context.WithCancel(context.Background())
		cancel()
		return errors.Join(err, shutdown.Shutdown(done))
	case <-ctx.Done():
	}
	return shutdown.Shutdown(ctx)
}

// geoResolver opens the GeoIP database when configured. Geolocation is
// optional; without it every location is Unknown.
func geoResolver(ctx context.Context, cfg *config.Config, logger *observability.Logger) (enrich.Resolver, func() error) {
	path := cfg.Analytics.GeoDBPath
	if path == "" {
		logger.Info("No GeoIP database configured, locations will be Unknown")
		return nil, nil
	}

	mm, err := enrich.NewMaxMindResolver(path, logger)
	if err != nil {
		logger.WithError(err).Warn("GeoIP database unavailable, locations will be Unknown")
		return nil, nil
	}
	if err := mm.Watch(ctx); err != nil {
		logger.WithError(err).Warn("GeoIP hot reload disabled")
	}
	return enrich.NewCachedResolver(mm, cfg.Analytics.GeoCacheSize, time.Hour), mm.Close
}
