package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Publisher enqueues requests for a running bot.
type Publisher struct {
	rdb  redis.Cmdable
	opts options
}

// NewPublisher creates a publisher on rdb.
func NewPublisher(rdb redis.Cmdable, opts ...Option) *Publisher {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Publisher{rdb: rdb, opts: cfg}
}

// Enqueue validates req and pushes it onto the queue.
func (p *Publisher) Enqueue(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if _, deadlineSet := ctx.Deadline(); !deadlineSet {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.pubTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("control: encode request: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.opts.queue, payload).Err(); err != nil {
		log.Error().Err(err).Str("queue", p.opts.queue).Msg("failed to enqueue control request")
		return fmt.Errorf("control: lpush: %w", err)
	}

	log.Debug().Str("queue", p.opts.queue).Str("request_id", req.ID).Str("op", string(req.Op)).Msg("control request enqueued")
	return nil
}

// Await blocks until the reply to request id arrives or ctx ends.
func (p *Publisher) Await(ctx context.Context, id string) (Reply, error) {
	key := ReplyKey(id)
	for {
		res, err := p.rdb.BRPop(ctx, p.opts.blockTime, key).Result()
		switch {
		case err == nil:
			var rep Reply
			if err := json.Unmarshal([]byte(res[1]), &rep); err != nil {
				return Reply{}, fmt.Errorf("control: decode reply: %w", err)
			}
			return rep, nil
		case errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return Reply{}, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
			}
		default:
			if ctx.Err() != nil {
				return Reply{}, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
			}
			return Reply{}, fmt.Errorf("control: brpop reply: %w", err)
		}

		select {
		case <-ctx.Done():
			return Reply{}, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
