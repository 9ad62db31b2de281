package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errNilHandler         = errors.New("pubsub: handler must not be nil")
	errSubscriptionClosed = errors.New("pubsub: subscription is closed")
	errQueueFull          = errors.New("pubsub: subscription queue is full")
)

// Subscription feeds one handler from a bounded queue.
type Subscription struct {
	ID    string
	Topic string

	handler Handler
	queue   chan *Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newSubscription(topic string, handler Handler, opts ...Option) (*Subscription, error) {
	if handler == nil {
		return nil, errNilHandler
	}
	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		handler: handler,
		queue:   make(chan *Message, options.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(options.Concurrency)
	for i := 0; i < options.Concurrency; i++ {
		go s.runWorker()
	}
	return s, nil
}

func (s *Subscription) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.invoke(msg)
		}
	}
}

func (s *Subscription) invoke(msg *Message) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("subscription_id", s.ID).Str("topic", s.Topic).Interface("panic_value", p).Msg("panic recovered in subscription handler")
		}
	}()
	s.handler(s.ctx, msg)
}

// deliver queues messages. With try set, a full queue drops the message
// instead of waiting.
func (s *Subscription) deliver(ctx context.Context, messages []*Message, try bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errSubscriptionClosed
	}

	for _, msg := range messages {
		if try {
			select {
			case s.queue <- msg:
			default:
				return errQueueFull
			}
			continue
		}
		select {
		case s.queue <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return errSubscriptionClosed
		}
	}
	return nil
}

// Close stops the workers. Queued messages not yet handled are dropped.
func (s *Subscription) Close() error {
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
