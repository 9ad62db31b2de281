package limiter

import (
	"context"
	"time"
)

// Store keeps token bucket state.
type Store interface {
	// Allow takes one token from the bucket identified by key if one is
	// available. rate is the bucket size, period the seconds needed to refill
	// rate tokens. The update must be atomic.
	Allow(ctx context.Context, key string, rate float64, period float64) (bool, error)
}

// bucket is the memory store state for one key.
type bucket struct {
	tokens    float64
	lastCheck time.Time
}
