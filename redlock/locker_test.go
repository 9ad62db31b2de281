package redlock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestClient connects to COGBOT_TEST_REDIS_ADDR or skips the test.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("COGBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COGBOT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewLockerDefaults(t *testing.T) {
	t.Parallel()

	l := NewLocker(nil, "", WithTTL(-1), WithRetryDelay(0), WithMaxRetries(-3))
	if l.Key() != DefaultKey {
		t.Fatalf("Key = %q", l.Key())
	}
	if l.ttl != defaultTTL || l.retryDelay != defaultRetryDelay || l.maxRetries != defaultMaxRetries {
		t.Fatalf("invalid options were applied: %+v", l)
	}
	if l.Held() {
		t.Fatal("new locker reports held")
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	t.Parallel()

	l := NewLocker(nil, "k")
	if err := l.Unlock(context.Background()); !errors.Is(err, ErrUnlockFailed) {
		t.Fatalf("Unlock = %v", err)
	}
}

func TestLockIsExclusive(t *testing.T) {
	client := newTestClient(t)
	key := "cogbot:test:" + uuid.NewString()
	ctx := context.Background()

	first := NewLocker(client, key, WithTTL(2*time.Second))
	second := NewLocker(client, key, WithRetryDelay(10*time.Millisecond), WithMaxRetries(3))

	if err := first.Lock(ctx); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if err := first.TryLock(ctx); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("relock = %v", err)
	}
	if err := second.TryLock(ctx); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("second TryLock = %v", err)
	}
	if err := second.Lock(ctx); !errors.Is(err, ErrLockMaxRetriesExceeded) {
		t.Fatalf("second Lock = %v", err)
	}

	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.TryLock(ctx); err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	if err := second.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestLockOutlivesTTLWhileHeld(t *testing.T) {
	client := newTestClient(t)
	key := "cogbot:test:" + uuid.NewString()
	ctx := context.Background()

	l := NewLocker(client, key, WithTTL(300*time.Millisecond))
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	time.Sleep(time.Second)

	other := NewLocker(client, key)
	if err := other.TryLock(ctx); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("lock expired while held: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}
