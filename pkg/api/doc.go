// Package api exposes site analytics over HTTP.
//
// # Routes
//
// Public ingestion, rate limited per client and optionally authenticated:
//
//	POST /api/analytics/track-page-view
//	POST /api/analytics/track-session
//	POST /api/analytics/end-session
//	POST /api/downloads/track
//	POST /api/downloads/sync
//
// Reporting, bearer token required:
//
//	GET /api/analytics/dashboard-stats?days=N   (reporting roles only)
//	GET /api/analytics/detailed?startDate&endDate&page&limit   (reporting roles only)
//	GET /api/analytics/active-users   (reporting roles only)
//	GET /api/downloads/analytics
//	GET /api/downloads/recent?limit=N
//	GET /api/downloads/stats
//
// Ingestion answers {"success":true}. Validation failures are 400 and
// storage failures are 500 with a generic {"error": ...} body.
//
// # Usage
//
//	server := api.NewServer(
//		api.NewAnalyticsHandlers(tracker, reports, loc),
//		api.NewDownloadHandlers(downloadTracker, downloadReports),
//		api.Options{Verifier: verifier, Limiter: limiter, ReportingRoles: roles},
//	)
//	observability.RegisterHealthRoutes(server.Router(), checker)
//	http.ListenAndServe(":8080", server)
package api
