package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is a fixed-window counter shared across instances via Redis.
// Window keys expire on their own, so the keyspace stays bounded.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
	now       func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter allowing perMinute requests
// per caller across all instances.
func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Allow counts one request against the caller's current minute window
func (l *RedisLimiter) Allow(ctx context.Context, callerID string) (bool, error) {
	key := fmt.Sprintf("psytools:ratelimit:%s:%d", callerID, l.now().Unix()/60)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count rate limit window: %w", err)
	}
	if count == 1 {
		// Keep the key past the window edge so a slow clock never loses it.
		if err := l.client.Expire(ctx, key, 2*time.Minute).Err(); err != nil {
			return false, fmt.Errorf("failed to expire rate limit window: %w", err)
		}
	}
	return count <= int64(l.perMinute), nil
}
