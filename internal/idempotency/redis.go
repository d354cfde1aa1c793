package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts a *redis.Client to the Backend interface, mirroring
// how the teacher's RedisStore doubles as both its Store and Coordinator.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to addr. Callers typically wire this only when
// REDIS_ADDR is set (SPEC_FULL.md §3); otherwise NewStore(nil) is used.
func NewRedisBackend(addr string) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Get implements Backend. A missing key returns ("", nil), matching the
// teacher's "empty string means absent" convention.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Close releases the underlying connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
