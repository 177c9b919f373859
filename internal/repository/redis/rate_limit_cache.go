package redis

import (
	"context"
	"fmt"
	"time"

	"auth-core/internal/client"
	"auth-core/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache is a fixed-window request counter. It sits in front of the
// login endpoint and is independent of per-account lockout.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// IncrementCounter bumps the counter for key and returns the new count along
// with the time left in the current window. The window starts on the first hit.
func (c *RateLimitCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	redisKey := rateLimitPrefix + key

	pipe := c.client.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to increment rate limit counter", util.String("key", key), util.ErrorField(err))
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		if err := c.client.Client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to set rate limit window: %w", err)
		}
		remaining = window
	}

	return int(incr.Val()), remaining, nil
}
