// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry setup for the church site services.
//
// Loggers travel on the request context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).WithField("session_id", id).Info("session closed")
//
// Metrics are registered once per registry and every recorder is nil-safe, so
// components can accept a nil *Metrics in tests:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordPageView()
package observability
