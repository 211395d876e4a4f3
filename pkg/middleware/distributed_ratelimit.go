package middleware

import (
	"context"
	"fmt"
	"time"
)

// WindowCounter counts hits in an expiring window. Satisfied by
// postgres.RedisClient.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// DistributedRateLimiter is a fixed-window limiter shared by every instance
// through Redis
type DistributedRateLimiter struct {
	counter WindowCounter
	config  *RateLimitConfig
	prefix  string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(counter WindowCounter, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &DistributedRateLimiter{
		counter: counter,
		config:  config,
		prefix:  prefix,
	}
}

// Allow counts the request against key's window. Burst is added to the
// window allowance since a fixed window has no refill.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, ttl, err := rl.counter.IncrWindow(ctx, redisKey, rl.config.WindowDuration)
	if err != nil {
		return Decision{}, err
	}

	limit := int64(rl.config.capacity())
	d := Decision{Limit: rl.config.RequestsPerWindow}
	if count <= limit {
		d.Allowed = true
		d.Remaining = int(limit - count)
		return d, nil
	}

	d.RetryAfter = ttl
	if d.RetryAfter <= 0 {
		d.RetryAfter = rl.config.WindowDuration
	}
	return d, nil
}
