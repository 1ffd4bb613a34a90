package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/ratelimit"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum attempts allowed
	Window time.Duration // Trailing window
}

// RateLimiter implements sliding window rate limiting on Redis sorted sets.
// Instances sharing one Redis share the limit; the check-then-add sequence is
// not atomic, so a burst across instances can overshoot by a few attempts.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Limit < 1 {
		config.Limit = 1
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow satisfies the API limiter interface.
func (r *RateLimiter) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	return r.Consume(ctx, key)
}

// Consume records an attempt for key if fewer than Limit attempts fall within
// [now-Window, now]. On denial the retry hint comes from the oldest attempt.
func (r *RateLimiter) Consume(ctx context.Context, key string) (ratelimit.Decision, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)

	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := r.client.rdb.Pipeline()

	// Remove entries strictly older than the window
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())

	if currentCount >= r.config.Limit {
		wait := r.config.Window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			wait = oldestAt.Add(r.config.Window).Sub(now)
		}

		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", currentCount),
			zap.Int("limit", r.config.Limit),
		)
		return ratelimit.Decision{
			Allowed:           false,
			RetryAfterSeconds: ratelimit.RetryAfterSeconds(wait),
			Remaining:         0,
		}, nil
	}

	pipe2 := r.client.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe2.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := pipe2.Exec(ctx); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("redis zadd failed: %w", err)
	}

	return ratelimit.Decision{
		Allowed:   true,
		Remaining: r.config.Limit - currentCount - 1,
	}, nil
}

// Reset forgets every attempt of key.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.rdb.Del(ctx, fmt.Sprintf("ratelimit:%s", key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
