// Package limiter throttles costly operations, such as publishing the
// command tree, with token buckets kept in memory or in redis.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrLimited is returned by Wait when the context ends before a token is
// available.
var ErrLimited = errors.New("limiter: no token available")

const maxWaitStep = time.Second

// Limiter applies the configured rules through a Store.
type Limiter struct {
	rules map[string]Rule
	store Store
}

// New creates a limiter. cfg must have been validated.
func New(cfg Config, store Store) *Limiter {
	rules := make(map[string]Rule, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules[r.Key] = r
	}
	return &Limiter{rules: rules, store: store}
}

// Allow takes a token for key. Keys without a rule are always allowed.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	rule, ok := l.rules[key]
	if !ok {
		return true, nil
	}
	allowed, err := l.store.Allow(ctx, key, rule.Rate, rule.Period)
	if err != nil {
		return false, fmt.Errorf("limiter: %s: %w", key, err)
	}
	return allowed, nil
}

// Wait blocks until a token for key is taken or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	rule, ok := l.rules[key]
	if !ok {
		return nil
	}

	step := time.Duration(rule.Period / rule.Rate * float64(time.Second))
	if step > maxWaitStep {
		step = maxWaitStep
	}

	for attempt := 0; ; attempt++ {
		allowed, err := l.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			if attempt > 0 {
				log.Debug().Str("key", key).Int("attempts", attempt+1).Msg("limiter admitted after waiting")
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLimited, key, ctx.Err())
		case <-time.After(step):
		}
	}
}
