package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed window limiter shared across instances
// through Redis
type DistributedRateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

// NewDistributedRateLimiter allows limit requests per window for each key
func NewDistributedRateLimiter(redisClient *redis.Client, limit int, window time.Duration, prefix string) *DistributedRateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimitConfig().Burst
	}
	if window <= 0 {
		window = time.Second
	}
	if prefix == "" {
		prefix = "pulse:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
	}
}

// Allow increments key's counter for the current window
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := redisKey(rl.prefix, key)

	count, err := rl.redis.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	// the first hit opens the window
	if count == 1 {
		if err := rl.redis.Expire(ctx, k, rl.window).Err(); err != nil {
			return false, fmt.Errorf("redis error: %w", err)
		}
	}

	return count <= rl.limit, nil
}

// Remaining returns the requests left in key's current window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, redisKey(rl.prefix, key)).Int64()
	if errors.Is(err, redis.Nil) {
		return int(rl.limit), nil
	}
	if err != nil {
		return 0, err
	}
	if remaining := rl.limit - count; remaining > 0 {
		return int(remaining), nil
	}
	return 0, nil
}

// Reset clears the counter for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, redisKey(rl.prefix, key)).Err()
}
