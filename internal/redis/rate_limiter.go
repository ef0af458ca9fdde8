package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RateLimiter is a sliding-window counter per subject, kept in a sorted set
// of request timestamps.
type RateLimiter struct {
	client      *goredis.Client
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func NewRateLimiter(client *goredis.Client, maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:      client,
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Allow records one request for subject and reports whether it fits the
// window. Rejected requests still count.
func (r *RateLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	key := "ratelimit:" + subject
	now := r.now()
	windowStart := now.Add(-r.window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, r.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline: %w", err)
	}
	return countCmd.Val() < int64(r.maxRequests), nil
}
