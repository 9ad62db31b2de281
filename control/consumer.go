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

const errorBackoff = time.Second

// Consumer pops requests from the queue and runs them on an Executor, one
// at a time.
type Consumer struct {
	rdb  redis.Cmdable
	exec Executor
	opts options
}

// NewConsumer creates a consumer feeding exec.
func NewConsumer(rdb redis.Cmdable, exec Executor, opts ...Option) *Consumer {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Consumer{rdb: rdb, exec: exec, opts: cfg}
}

// Run polls the queue until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Str("queue", c.opts.queue).Msg("control consumer started")
	defer log.Info().Str("queue", c.opts.queue).Msg("control consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := c.rdb.BRPop(ctx, c.opts.blockTime, c.opts.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("queue", c.opts.queue).Msg("error during brpop")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}

		c.handle(ctx, []byte(res[1]))
	}
}

func (c *Consumer) handle(ctx context.Context, payload []byte) {
	rep, err := c.process(ctx, payload)
	if err != nil {
		log.Error().Err(err).Msg("control request rejected")
	}
	if rep.RequestID == "" {
		return
	}
	if err := c.reply(ctx, rep); err != nil {
		log.Warn().Err(err).Str("request_id", rep.RequestID).Msg("failed to send control reply")
	}
}

// process decodes and executes one payload.
func (c *Consumer) process(ctx context.Context, payload []byte) (Reply, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	log.Info().
		Str("request_id", req.ID).
		Str("op", string(req.Op)).
		Interface("extensions", req.IDs).
		Str("requested_by", req.RequestedBy).
		Msg("control request received")

	return Execute(ctx, c.exec, req)
}

func (c *Consumer) reply(ctx context.Context, rep Reply) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	key := ReplyKey(rep.RequestID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.Expire(ctx, key, c.opts.replyTTL)
		return nil
	})
	return err
}
