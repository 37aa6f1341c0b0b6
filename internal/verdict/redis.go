package verdict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "phishguard:verdict:"

// RedisStore persists verdicts in Redis with native TTL expiry. The hit
// counter lives in a sibling key so Touch is a single INCR.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed verdict store and verifies
// connectivity.
func NewRedisStore(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Verdict, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding cached verdict: %w", err)
	}
	if hits, err := s.client.Get(ctx, redisKeyPrefix+fingerprint+":hits").Int64(); err == nil {
		v.HitCount = hits
	}
	return &v, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, v *Verdict) error {
	ttl := time.Until(v.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+v.Fingerprint, raw, ttl)
	pipe.Set(ctx, redisKeyPrefix+v.Fingerprint+":hits", v.HitCount, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, fingerprint string) (int64, error) {
	hits, err := s.client.Incr(ctx, redisKeyPrefix+fingerprint+":hits").Result()
	if err != nil {
		return 0, fmt.Errorf("redis touch: %w", err)
	}
	return hits, nil
}

// Sweep implements Store. Redis expires keys natively.
func (s *RedisStore) Sweep(_ context.Context) (int, error) { return 0, nil }

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }
