package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// StoredResponse is a completed mutation, replayed verbatim when the same
// Idempotency-Key is sent again.
type StoredResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type IdempotencyStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewIdempotencyStore(client *goredis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

func (s *IdempotencyStore) Check(ctx context.Context, userID, key string) (*StoredResponse, bool, error) {
	raw, err := s.client.Get(ctx, idempotencyKey(userID, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency key: %w", err)
	}
	var stored StoredResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decode idempotent response: %w", err)
	}
	return &stored, true, nil
}

// Set keeps the first response stored under key. Later writes are ignored.
func (s *IdempotencyStore) Set(ctx context.Context, userID, key string, resp StoredResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := s.client.SetNX(ctx, idempotencyKey(userID, key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}

func idempotencyKey(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}
