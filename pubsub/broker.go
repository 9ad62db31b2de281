package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errBrokerClosed = errors.New("pubsub: broker not initialized")

// Broker wraps the backend selected at startup.
type Broker struct {
	mu   sync.RWMutex
	impl PubSub
}

// BrokerOption configures New.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient redis.UniversalClient
}

// WithRedisClient selects the redis backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// New creates a broker, in memory unless WithRedisClient is given.
func New(opts ...BrokerOption) *Broker {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.redisClient != nil {
		log.Info().Msg("initializing broker with redis pubsub backend")
		return &Broker{impl: NewRedisPubSub(options.redisClient)}
	}
	log.Info().Msg("initializing broker with memory pubsub backend")
	return &Broker{impl: NewMemoryPubSub()}
}

func (b *Broker) backend() (PubSub, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return nil, errBrokerClosed
	}
	return b.impl, nil
}

// Publish delegates to the backend.
func (b *Broker) Publish(ctx context.Context, topic string, messages ...*Message) error {
	impl, err := b.backend()
	if err != nil {
		return err
	}
	return impl.Publish(ctx, topic, messages...)
}

// TryPublish delegates to the backend.
func (b *Broker) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	impl, err := b.backend()
	if err != nil {
		return err
	}
	return impl.TryPublish(ctx, topic, messages...)
}

// Emit encodes v and publishes it on topic without blocking.
func (b *Broker) Emit(ctx context.Context, topic string, v any) error {
	msg, err := NewMessage(topic, v)
	if err != nil {
		return err
	}
	return b.TryPublish(ctx, topic, msg)
}

// Subscribe delegates to the backend.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	impl, err := b.backend()
	if err != nil {
		return "", err
	}
	return impl.Subscribe(ctx, topic, handler, opts...)
}

// Unsubscribe delegates to the backend.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	impl, err := b.backend()
	if err != nil {
		return err
	}
	return impl.Unsubscribe(ctx, id)
}

// Close closes the backend. Later calls fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.impl == nil {
		return nil
	}
	err := b.impl.Close()
	b.impl = nil
	return err
}
