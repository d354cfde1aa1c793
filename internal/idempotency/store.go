// Package idempotency wraps the master's mutating HTTP endpoints with an
// Idempotency-Key cache, generalized from the teacher's
// control_plane/idempotency/store.go dual-backend shape: Redis-backed when
// configured, an in-memory sync.Map fallback otherwise (SPEC_FULL.md §3).
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// DefaultTTL is how long the Redis backend keeps a cached response for a
// repeated key; the in-memory fallback uses memoryTTL instead.
const DefaultTTL = 24 * time.Hour

// memoryTTL bounds the in-memory fallback's entry lifetime.
const memoryTTL = 1 * time.Hour

// Response is the cached HTTP outcome replayed for a repeated request.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers"`
}

// Backend is the subset of a key/value store the Store needs. RedisBackend
// (redis.go) adapts github.com/redis/go-redis/v9 to this interface.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Store caches responses keyed by an operator/producer-supplied
// Idempotency-Key header. A nil backend uses the in-memory fallback.
type Store struct {
	backend Backend
	cache   sync.Map
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// NewStore builds a Store. Pass nil for backend to use the in-memory
// fallback only (single-process deployments, or REDIS_ADDR unset).
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("[IDEMPOTENCY] redis error getting %s: %v", key, err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > memoryTTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

// Set caches resp under key.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		data, err := json.Marshal(e)
		if err != nil {
			log.Printf("[IDEMPOTENCY] marshaling entry for %s: %v", key, err)
			return
		}
		if err := s.backend.Set(ctx, key, string(data), DefaultTTL); err != nil {
			log.Printf("[IDEMPOTENCY] redis error setting %s: %v", key, err)
		}
		return
	}

	s.cache.Store(key, e)
}
