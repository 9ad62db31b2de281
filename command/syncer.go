package command

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/toolink/cogbot/limiter"
)

// Syncer pushes the complete command set to the remote service.
type Syncer interface {
	SyncCommands(ctx context.Context, cmds []Descriptor) error
}

// SyncerFunc adapts a function to Syncer.
type SyncerFunc func(ctx context.Context, cmds []Descriptor) error

// SyncCommands calls f.
func (f SyncerFunc) SyncCommands(ctx context.Context, cmds []Descriptor) error {
	return f(ctx, cmds)
}

type throttledSyncer struct {
	next    Syncer
	limiter *limiter.Limiter
	key     string
}

// Throttled wraps next so every sync first waits for a token on key.
func Throttled(next Syncer, l *limiter.Limiter, key string) Syncer {
	if l == nil {
		return next
	}
	return &throttledSyncer{next: next, limiter: l, key: key}
}

func (s *throttledSyncer) SyncCommands(ctx context.Context, cmds []Descriptor) error {
	if err := s.limiter.Wait(ctx, s.key); err != nil {
		log.Warn().Err(err).Str("key", s.key).Msg("command sync not admitted by limiter")
		return err
	}
	return s.next.SyncCommands(ctx, cmds)
}
