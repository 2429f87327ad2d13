// Package idempotency caches HTTP responses keyed by a client-supplied
// idempotency header, so retried trigger/queue/replay POSTs replay the first
// response instead of creating duplicate runs. This is request-level
// deduplication; the task-output cache lives in the repository.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is the shared-cache interface the Redis cache satisfies.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Store keeps cached responses in the backend, with an in-memory fallback for
// single-node deployments without Redis.
type Store struct {
	backend Backend
	ttl     time.Duration
	cache   sync.Map
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

const keyPrefix = "reqidem:"

// NewStore accepts a nil backend; entries then live in process memory only.
func NewStore(backend Backend, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{backend: backend, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, keyPrefix+key)
		if err != nil {
			log.Printf("Idempotency: backend error getting %s: %v", key, err)
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
	if time.Since(e.Timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{
		Resp:      resp,
		Timestamp: time.Now(),
	}

	if s.backend != nil {
		data, _ := json.Marshal(e)
		if err := s.backend.Set(ctx, keyPrefix+key, string(data), s.ttl); err != nil {
			log.Printf("Idempotency: backend error setting %s: %v", key, err)
		}
		return
	}

	s.cache.Store(key, e)
}
