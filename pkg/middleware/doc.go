// Package middleware provides HTTP middleware for authentication, role
// checks and rate limiting.
//
// # Authentication
//
// AuthMiddleware validates HS256 bearer tokens and stores a *Principal in the
// request context. In optional mode requests without a valid token pass
// through anonymously, which lets public ingestion endpoints attribute
// sessions to signed-in users without rejecting anyone.
//
//	verifier := middleware.NewTokenVerifier(secret)
//	reporting.Use(middleware.NewAuthMiddleware(verifier, false).Handler)
//	reporting.Use(middleware.RequireRole("admin", "member"))
//
// # Rate Limiting
//
// RateLimitMiddleware accepts any Limiter. RateLimiter is an in-process token
// bucket; DistributedRateLimiter is a Redis fixed window shared across
// instances. Limiter errors fail open.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "ratelimit:ingest")
//	ingest.Use(middleware.NewRateLimitMiddleware(limiter, logger, metrics).Handler)
package middleware
