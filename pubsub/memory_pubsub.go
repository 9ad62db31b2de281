package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var errMemoryPubSubClosed = errors.New("pubsub: memory pubsub is closed")

// MemoryPubSub delivers messages inside one process.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*Subscription // topic -> subID -> Subscription
	subs   map[string]*Subscription            // subID -> Subscription
}

// NewMemoryPubSub creates an in-process backend.
func NewMemoryPubSub() PubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[string]*Subscription),
		subs:   make(map[string]*Subscription),
	}
}

func (m *MemoryPubSub) Publish(ctx context.Context, topic string, messages ...*Message) error {
	return m.publish(ctx, topic, messages, false)
}

func (m *MemoryPubSub) TryPublish(ctx context.Context, topic string, messages ...*Message) error {
	return m.publish(ctx, topic, messages, true)
}

func (m *MemoryPubSub) publish(ctx context.Context, topic string, messages []*Message, try bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errMemoryPubSubClosed
	}
	subs := make([]*Subscription, 0, len(m.topics[topic]))
	for _, sub := range m.topics[topic] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		err := sub.deliver(ctx, messages, try)
		switch {
		case err == nil, errors.Is(err, errSubscriptionClosed):
		case try:
			log.Warn().Err(err).Str("subscription_id", sub.ID).Str("topic", topic).Msg("message dropped")
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MemoryPubSub) Subscribe(_ context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", errMemoryPubSubClosed
	}
	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[string]*Subscription)
	}
	m.topics[topic][sub.ID] = sub
	m.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("new subscription created")
	return sub.ID, nil
}

func (m *MemoryPubSub) Unsubscribe(_ context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, id)
	if topicSubs, ok := m.topics[sub.Topic]; ok {
		delete(topicSubs, id)
		if len(topicSubs) == 0 {
			delete(m.topics, sub.Topic)
		}
	}
	m.mu.Unlock()

	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("subscription removed")
	return sub.Close()
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.topics = make(map[string]map[string]*Subscription)
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	log.Info().Int("subscriptions", len(subs)).Msg("memory pubsub closed")
	return nil
}

var _ PubSub = (*MemoryPubSub)(nil)
