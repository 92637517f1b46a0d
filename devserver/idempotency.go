package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey carries the client's retry key.
const HeaderIdempotencyKey = "Idempotency-Key"

// Recorded is a stored mutation response replayed for retried requests.
type Recorded struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Idempotency remembers mutation responses by idempotency key.
type Idempotency interface {
	Lookup(ctx context.Context, key string) (Recorded, bool, error)
	Remember(ctx context.Context, key string, r Recorded) error
}

// RedisIdempotency keeps responses in Redis so every instance replays the
// same answer for a retried request.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotency creates a store using the provided client and TTL.
func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

func (r *RedisIdempotency) key(key string) string {
	return fmt.Sprintf("idem:%s", key)
}

// Lookup returns the recorded response for key, if any.
func (r *RedisIdempotency) Lookup(ctx context.Context, key string) (Recorded, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Recorded{}, false, nil
	}
	if err != nil {
		return Recorded{}, false, err
	}
	var rec Recorded
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		r.client.Del(ctx, r.key(key))
		return Recorded{}, false, nil
	}
	return rec, true, nil
}

// Remember stores the response unless one is already recorded for key.
func (r *RedisIdempotency) Remember(ctx context.Context, key string, rec Recorded) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.SetNX(ctx, r.key(key), data, r.ttl).Err()
}
