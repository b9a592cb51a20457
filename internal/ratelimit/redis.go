package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters in Redis so quotas survive process restarts and
// can be shared across replicas. Entries carry a TTL slightly past their
// window so Redis handles eviction of stale pairs.
type RedisStore struct {
	client *redis.Client
	prefix string
}

const redisExpirySlack = time.Hour

// NewRedisStore constructs a store backed by the given Redis address.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "quota:",
	}
}

// NewRedisStoreWithClient wires an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "quota:",
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Counter, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var counter Counter
	if err := json.Unmarshal([]byte(raw), &counter); err != nil {
		return Counter{}, false, fmt.Errorf("decode counter %q: %w", key, err)
	}
	return counter, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, counter Counter) error {
	raw, err := json.Marshal(counter)
	if err != nil {
		return fmt.Errorf("encode counter %q: %w", key, err)
	}

	ttl := time.Until(counter.ResetAt) + redisExpirySlack
	if ttl <= 0 {
		ttl = redisExpirySlack
	}

	if err := s.client.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
