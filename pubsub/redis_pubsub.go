package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errRedisPubSubClosed = errors.New("pubsub: redis pubsub is closed")

const redisChannelPrefix = "cogbot:events:"

func channelName(topic string) string {
	return redisChannelPrefix + topic
}

type redisSubscription struct {
	*Subscription
	ps   *redis.PubSub
	done chan struct{}
}

// RedisPubSub fans messages out through redis PUBLISH/SUBSCRIBE, so every
// process subscribed to a topic receives every message.
type RedisPubSub struct {
	client redis.UniversalClient
	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription
}

// NewRedisPubSub creates a redis backed backend.
func NewRedisPubSub(client redis.UniversalClient) PubSub {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	return &RedisPubSub{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errRedisPubSubClosed
	}

	for _, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("pubsub: marshal message: %w", err)
		}
		if err := r.client.Publish(ctx, channelName(topic), payload).Err(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("failed to publish message to redis")
			return fmt.Errorf("pubsub: redis publish: %w", err)
		}
	}
	return nil
}

// TryPublish is Publish; redis PUBLISH never waits on subscribers.
func (r *RedisPubSub) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	return r.Publish(ctx, topic, messages...)
}

func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errRedisPubSubClosed
	}
	base, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	ps := r.client.Subscribe(ctx, channelName(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = base.Close()
		_ = ps.Close()
		return "", fmt.Errorf("pubsub: redis subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{Subscription: base, ps: ps, done: make(chan struct{})}
	r.subs[sub.ID] = sub
	go sub.listen()

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("new redis subscription created")
	return sub.ID, nil
}

func (s *redisSubscription) listen() {
	defer close(s.done)
	for rm := range s.ps.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil {
			log.Error().Err(err).Str("topic", s.Topic).Msg("dropping malformed message from redis")
			continue
		}
		if err := s.deliver(context.Background(), []*Message{&msg}, true); err != nil {
			if errors.Is(err, errSubscriptionClosed) {
				return
			}
			log.Warn().Err(err).Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("message dropped")
		}
	}
}

func (s *redisSubscription) stop() error {
	err := s.ps.Close()
	<-s.done
	return errors.Join(err, s.Subscription.Close())
}

func (r *RedisPubSub) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.stop()
}

func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info().Int("subscriptions", len(subs)).Msg("redis pubsub closed")
	return errors.Join(errs...)
}

var _ PubSub = (*RedisPubSub)(nil)
