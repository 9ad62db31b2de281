// Package redlock provides a redis lock that serializes extension lifecycle
// calls issued by several processes sharing one bot identity.
package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultKey is the lock guarding the extension registry.
const DefaultKey = "cogbot:lifecycle:lock"

const (
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 100 * time.Millisecond
	defaultMaxRetries = 0
)

var (
	// ErrLockNotAcquired is returned when TryLock finds the lock taken.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when the lock expired, was taken over or was never held.
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
	// ErrLockWaitTimeout is returned when ctx ends before Lock succeeds.
	ErrLockWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrLockMaxRetriesExceeded is returned when Lock runs out of retries.
	ErrLockMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
	// ErrAlreadyHeld is returned when locking a Locker that already holds the lock.
	ErrAlreadyHeld = errors.New("redlock: lock already held by this locker")
)

// KEYS[1] lock key, ARGV[1] holder value.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// KEYS[1] lock key, ARGV[1] holder value, ARGV[2] ttl in milliseconds.
const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Locker is a lock on one redis key. While held, its expiry is extended in
// the background so long setups do not lose it.
type Locker struct {
	client     redis.Cmdable
	key        string
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int // 0 retries until ctx ends

	mu          sync.Mutex
	value       string
	stopRefresh context.CancelFunc
	refreshDone chan struct{}
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lock expiry. Defaults to 30s.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the delay between attempts in Lock. Defaults to 100ms.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *Locker) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

// WithMaxRetries bounds the attempts made by Lock. 0 retries until the
// context ends.
func WithMaxRetries(retries int) Option {
	return func(l *Locker) {
		if retries >= 0 {
			l.maxRetries = retries
		}
	}
}

// NewLocker creates a Locker on key.
func NewLocker(client redis.Cmdable, key string, options ...Option) *Locker {
	if key == "" {
		key = DefaultKey
	}
	l := &Locker{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range options {
		opt(l)
	}

	log.Debug().Str("key", l.key).Dur("ttl", l.ttl).Dur("retry_delay", l.retryDelay).Int("max_retries", l.maxRetries).Msg("new locker created")
	return l
}

func (l *Locker) attempt(ctx context.Context) (string, error) {
	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, value, l.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrLockWaitTimeout
		}
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx command")
		return "", err
	}
	if !ok {
		return "", ErrLockNotAcquired
	}
	return value, nil
}

// TryLock acquires the lock without waiting.
func (l *Locker) TryLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value != "" {
		return ErrAlreadyHeld
	}
	value, err := l.attempt(ctx)
	if err != nil {
		if !errors.Is(err, ErrLockNotAcquired) {
			log.Warn().Err(err).Str("key", l.key).Msg("trylock failed")
		}
		return err
	}
	l.hold(value)
	log.Debug().Str("key", l.key).Msg("trylock acquired")
	return nil
}

// Lock acquires the lock, retrying until it is free, ctx ends or the retry
// limit is reached.
func (l *Locker) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value != "" {
		return ErrAlreadyHeld
	}

	value, err := l.attempt(ctx)
	if err == nil {
		l.hold(value)
		log.Debug().Str("key", l.key).Msg("lock acquired immediately")
		return nil
	}
	if !errors.Is(err, ErrLockNotAcquired) {
		return err
	}

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for retries := 1; ; retries++ {
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Str("key", l.key).Int("retries_attempted", retries-1).Msg("gave up waiting for lock")
			return ErrLockWaitTimeout
		case <-ticker.C:
		}

		value, err := l.attempt(ctx)
		if err == nil {
			l.hold(value)
			log.Info().Str("key", l.key).Int("retries_needed", retries).Msg("lock acquired after waiting")
			return nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return err
		}
		if l.maxRetries > 0 && retries >= l.maxRetries {
			log.Warn().Str("key", l.key).Int("retries_attempted", retries).Msg("maximum lock retries exceeded")
			return ErrLockMaxRetriesExceeded
		}
	}
}

// hold records value and starts extending the expiry. l.mu must be held.
func (l *Locker) hold(value string) {
	l.value = value
	ctx, cancel := context.WithCancel(context.Background())
	l.stopRefresh = cancel
	l.refreshDone = make(chan struct{})
	go l.refresh(ctx, value, l.refreshDone)
}

func (l *Locker) refresh(ctx context.Context, value string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.client.Eval(ctx, refreshScript, []string{l.key}, value, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("key", l.key).Msg("failed to extend lock")
				}
				continue
			}
			if res == 0 {
				log.Error().Str("key", l.key).Msg("lock lost before release")
				return
			}
		}
	}
}

// Unlock releases the lock if this locker still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value == "" {
		log.Warn().Str("key", l.key).Msg("unlock attempted without holding the lock")
		return ErrUnlockFailed
	}

	value := l.value
	l.value = ""
	l.stopRefresh()
	<-l.refreshDone

	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, value).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute unlock script")
		return err
	}
	if res != 1 {
		log.Warn().Str("key", l.key).Msg("unlock failed: lock expired or taken over")
		return ErrUnlockFailed
	}
	log.Debug().Str("key", l.key).Msg("lock released")
	return nil
}

// Key returns the locked key.
func (l *Locker) Key() string { return l.key }

// Held reports whether this locker currently holds the lock.
func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value != ""
}
