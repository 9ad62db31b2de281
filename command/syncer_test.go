package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolink/cogbot/limiter"
)

func TestThrottledSyncerWaitsForToken(t *testing.T) {
	t.Parallel()

	cfg := limiter.Config{
		StorageType: limiter.StorageMemory,
		Rules:       []limiter.Rule{{Key: limiter.KeyCommandSync, Rate: 1, Period: 60}},
	}
	l := limiter.New(cfg, limiter.NewMemoryStore())

	calls := 0
	s := Throttled(SyncerFunc(func(context.Context, []Descriptor) error {
		calls++
		return nil
	}), l, limiter.KeyCommandSync)

	if err := s.SyncCommands(context.Background(), nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.SyncCommands(ctx, nil); !errors.Is(err, limiter.ErrLimited) {
		t.Fatalf("second sync = %v, want ErrLimited", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestThrottledWithoutLimiter(t *testing.T) {
	t.Parallel()

	next := SyncerFunc(func(context.Context, []Descriptor) error { return nil })
	if _, ok := Throttled(next, nil, "k").(SyncerFunc); !ok {
		t.Fatal("nil limiter should return next unchanged")
	}
}
