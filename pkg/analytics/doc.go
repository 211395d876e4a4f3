// Package analytics records first-party session and page-view tracking for the
// church site and answers the admin dashboard's reporting queries.
//
// # Write path
//
// A Tracker validates ingestion events, derives device and location
// dimensions through an enrich.Enricher and persists them through a Store:
//
//	tracker := analytics.NewTracker(store, enricher, analytics.TrackerConfig{
//		StalenessWindow: 30 * time.Minute,
//		SweepOnWrite:    true,
//	}, logger, metrics)
//
//	created, err := tracker.TrackSession(ctx, analytics.SessionEvent{SessionID: "s1", LandingPage: "/"})
//	err = tracker.TrackPageView(ctx, analytics.PageViewEvent{SessionID: "s1", PagePath: "/", TimeOnPage: 12})
//	result, err := tracker.EndSession(ctx, analytics.EndSessionEvent{SessionID: "s1", ExitPage: "/about"})
//
// Session creation is race free: the session id is the primary key and a
// duplicate insert is treated as "already exists". The active-user row for a
// session is a single atomic upsert. Ending an unknown or already ended
// session is a no-op.
//
// # Read path
//
// Service computes the dashboard summary, the paginated session listing and
// the active-user snapshot. Dashboard queries run concurrently and the result
// can be cached in Redis.
//
// # Maintenance
//
// Sweeper removes stale active-user rows and, when configured, closes sessions
// that never received an end-session call.
//
// # Related Packages
//
//   - pkg/enrich: user-agent and geolocation derivation
//   - pkg/storage/postgres: schema, connections and the Redis cache
package analytics
