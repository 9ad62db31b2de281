// Package pubsub moves events between components: gateway events to the
// supervisor and command router, lifecycle events to observers. The memory
// backend serves a single process; the redis backend fans events out to
// every process attached to the same redis.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one event on a topic.
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewMessage encodes v as the payload of a message for topic.
func NewMessage(topic string, v any) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode %s payload: %w", topic, err)
	}
	return &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Data:        data,
		PublishedAt: time.Now(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("pubsub: decode %s payload: %w", m.Topic, err)
	}
	return nil
}

// Handler receives the messages of a subscription.
type Handler func(ctx context.Context, msg *Message)

// PubSub is a publish/subscribe backend.
type PubSub interface {
	// Publish delivers messages to every subscriber of topic, blocking
	// while subscriber queues are full until ctx ends.
	Publish(ctx context.Context, topic string, messages ...*Message) error

	// TryPublish delivers without blocking, dropping messages for
	// subscribers whose queue is full.
	TryPublish(ctx context.Context, topic string, messages ...*Message) error

	// Subscribe registers handler for topic and returns the subscription id.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given id.
	Unsubscribe(ctx context.Context, id string) error

	// Close stops every subscription.
	Close() error
}
