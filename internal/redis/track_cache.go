package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"delivery-dispatch/internal/delivery"
)

// TrackCache keeps computed tracking views for a short time so map clients
// polling the same delivery do not each hit the routing provider.
type TrackCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewTrackCache(client *goredis.Client, ttl time.Duration) *TrackCache {
	return &TrackCache{client: client, ttl: ttl}
}

func (c *TrackCache) Set(ctx context.Context, deliveryID string, t *delivery.Tracking) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tracking: %w", err)
	}
	return c.client.Set(ctx, trackKey(deliveryID), raw, c.ttl).Err()
}

func (c *TrackCache) Get(ctx context.Context, deliveryID string) (*delivery.Tracking, error) {
	raw, err := c.client.Get(ctx, trackKey(deliveryID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tracking: %w", err)
	}

	var t delivery.Tracking
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal tracking: %w", err)
	}
	return &t, nil
}

func trackKey(deliveryID string) string {
	return "delivery:track:" + deliveryID
}
