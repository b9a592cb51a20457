package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter tracks recorded requests for one (client, persona) pair within the
// current window.
type Counter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Store persists counters keyed by (client, persona). Implementations must be
// safe for concurrent use; the limiter's check-then-record pair on top of them
// deliberately is not atomic.
type Store interface {
	Get(ctx context.Context, key string) (Counter, bool, error)
	Put(ctx context.Context, key string, counter Counter) error
}

// MemoryStore is the default in-process counter store. Expired entries stay
// resident until the same key is touched again; there is no background sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[string]Counter
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]Counter),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Counter, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counter, ok := s.counters[key]
	return counter, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, counter Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[key] = counter
	return nil
}
