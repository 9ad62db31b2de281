package limiter

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var bucketScriptSource string

var bucketScript = redis.NewScript(bucketScriptSource)

const redisKeyPrefix = "cogbot:limiter:"

type redisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store shared by every process using client, so
// several bot processes of one application draw from the same bucket.
func NewRedisStore(client redis.Cmdable) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Allow(ctx context.Context, key string, rate float64, period float64) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9

	result, err := bucketScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, rate, rate/period, now, 1.0).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("limiter script failed")
		return false, fmt.Errorf("limiter: redis script for %s: %w", key, err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("limiter: unexpected script result for %s: %T", key, result)
	}
	return allowed == 1, nil
}
