package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNotRegistered is returned by Deregister before Register succeeded.
var ErrNotRegistered = errors.New("fleet: instance not registered")

// Registry stores instances as redis keys expiring after the TTL unless
// refreshed.
type Registry struct {
	opts   *Options
	client redis.Cmdable

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
	self   *Instance
}

// NewRegistry creates a registry on client.
func NewRegistry(client redis.Cmdable, opts ...Option) *Registry {
	options := newOptions(opts...)
	log.Debug().Str("prefix", options.KeyPrefix).Dur("ttl", options.TTL).Dur("heartbeat", options.HeartbeatInterval).Msg("fleet registry created")
	return &Registry{opts: options, client: client}
}

func (r *Registry) key(id string) string {
	return fmt.Sprintf("%s:%s", r.opts.KeyPrefix, id)
}

// NewInstance describes the current process.
func NewInstance(adminAddr string) *Instance {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := time.Now().UTC()
	return &Instance{
		ID:        uuid.NewString(),
		Hostname:  hostname,
		AdminAddr: adminAddr,
		StartedAt: now,
		SeenAt:    now,
	}
}

// Register writes inst and refreshes it every heartbeat, calling state
// first when it is non-nil. One instance per Registry.
func (r *Registry) Register(ctx context.Context, inst *Instance, state StateFunc) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopCh != nil {
		close(r.stopCh)
		<-r.done
	}
	if err := r.write(ctx, inst, state); err != nil {
		return err
	}

	r.self = inst
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	go r.keepAlive(inst, state, r.stopCh, r.done)

	log.Info().Stringer("instance", inst).Dur("ttl", r.opts.TTL).Msg("instance registered")
	return nil
}

func (r *Registry) write(ctx context.Context, inst *Instance, state StateFunc) error {
	if state != nil {
		state(inst)
	}
	inst.SeenAt = time.Now().UTC()
	if inst.Extensions == nil {
		inst.Extensions = []string{}
	}

	value, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("fleet: marshal instance: %w", err)
	}
	if err := r.client.Set(ctx, r.key(inst.ID), value, r.opts.TTL).Err(); err != nil {
		return fmt.Errorf("fleet: set instance: %w", err)
	}
	return nil
}

func (r *Registry) keepAlive(inst *Instance, state StateFunc, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.HeartbeatInterval)
			err := r.write(ctx, inst, state)
			cancel()
			if err != nil {
				log.Error().Err(err).Stringer("instance", inst).Msg("fleet heartbeat failed")
				continue
			}
			log.Trace().Stringer("instance", inst).Msg("fleet heartbeat")
		}
	}
}

// Deregister stops the heartbeat and removes the instance.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.self == nil {
		return ErrNotRegistered
	}
	close(r.stopCh)
	<-r.done
	inst := r.self
	r.self, r.stopCh, r.done = nil, nil, nil

	if err := r.client.Del(ctx, r.key(inst.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("fleet: delete instance: %w", err)
	}
	log.Info().Stringer("instance", inst).Msg("instance deregistered")
	return nil
}

// List returns the live instances, oldest first.
func (r *Registry) List(ctx context.Context) ([]*Instance, error) {
	keys, err := r.scanKeys(ctx, r.opts.KeyPrefix+":*")
	if err != nil {
		return nil, fmt.Errorf("fleet: scan: %w", err)
	}
	if len(keys) == 0 {
		return []*Instance{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fleet: mget: %w", err)
	}

	instances := make([]*Instance, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("skipping malformed fleet entry")
			continue
		}
		instances = append(instances, &inst)
	}
	sortInstances(instances)
	return instances, nil
}

func (r *Registry) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
