package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]bucket
	now     func() time.Time
}

// NewMemoryStore creates a process-local store.
func NewMemoryStore() Store {
	return &memoryStore{
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

func (s *memoryStore) Allow(_ context.Context, key string, rate float64, period float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, exists := s.buckets[key]
	if !exists {
		s.buckets[key] = bucket{tokens: rate - 1, lastCheck: now}
		return true, nil
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * (rate / period)
	if b.tokens > rate {
		b.tokens = rate
	}
	b.lastCheck = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	} else {
		log.Debug().Str("key", key).Float64("tokens", b.tokens).Msg("bucket empty")
	}
	s.buckets[key] = b
	return allowed, nil
}
