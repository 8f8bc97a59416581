// Package middleware provides the rate limiting applied to event ingestion.
//
// RateLimiter is an in-process token bucket per client IP:
//
//	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerSecond: 100, Burst: 200})
//	router.Use(middleware.RateLimit(limiter, logger, metrics))
//
// DistributedRateLimiter shares a fixed window counter through Redis so that
// every replica enforces the same limit:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, 200, time.Second, "")
//
// Limiter errors fail open.
package middleware
