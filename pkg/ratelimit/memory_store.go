package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is one window counter. Each bucket carries its own lock so
// contention stays per-key, never global.
type bucket struct {
	mutex       sync.Mutex
	windowStart time.Time
	count       int64
}

// MemoryCounterStore keeps window counters in process memory. Suitable for
// single-process deployments and tests; multi-process deployments should use
// the Redis store so counts are shared.
type MemoryCounterStore struct {
	buckets map[string]*bucket
	mutex   sync.RWMutex

	// now is overridable for tests.
	now func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Incr atomically increments the key's counter within the current window.
func (s *MemoryCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	b := s.getBucket(key)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := s.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= window {
		b.windowStart = now
		b.count = 0
	}
	b.count++

	resetIn := window - now.Sub(b.windowStart)
	return b.count, resetIn, nil
}

// Reset clears the counter for a key. Used by tests and by admin tooling.
func (s *MemoryCounterStore) Reset(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.buckets, key)
}

func (s *MemoryCounterStore) getBucket(key string) *bucket {
	s.mutex.RLock()
	b, ok := s.buckets[key]
	s.mutex.RUnlock()
	if ok {
		return b
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	s.buckets[key] = b
	return b
}
