// Package devtools holds the diagnostic extensions shipped with the bot.
package devtools

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/extension"
)

const (
	PingID    extension.ID = "devtools.ping"
	LatencyID extension.ID = "devtools.latency"
)

// Defaults are the extensions loaded on first ready when none are configured.
var Defaults = []extension.ID{PingID, LatencyID}

// LatencySource reports the gateway heartbeat round trip.
type LatencySource interface {
	Latency() time.Duration
}

// Register adds the devtools extensions to c.
func Register(c *extension.Catalog) error {
	if err := c.Register(PingID, func() extension.Extension { return &ping{} }); err != nil {
		return err
	}
	return c.Register(LatencyID, func() extension.Extension { return &latency{} })
}

type ping struct {
	logger zerolog.Logger
}

func (p *ping) Setup(_ context.Context, host extension.Host) error {
	p.logger = host.Logger()
	return host.AddCommand(command.Descriptor{
		Name:        "ping",
		Description: "Responds with pong.",
		Handler:     p.handle,
	})
}

func (p *ping) handle(ctx context.Context, inv *command.Invocation) error {
	if err := inv.Reply(ctx, "pong"); err != nil {
		return err
	}
	p.logger.Info().Str("user", inv.UserID).Msg("ping pong!")
	return nil
}

type latency struct {
	source LatencySource
	logger zerolog.Logger
}

func (l *latency) Setup(_ context.Context, host extension.Host) error {
	if err := host.Services().Get(&l.source); err != nil {
		return fmt.Errorf("resolve latency source: %w", err)
	}
	l.logger = host.Logger()
	return host.AddCommand(command.Descriptor{
		Name:        "latency",
		Description: "Responds with the bot's latency.",
		Handler:     l.handle,
	})
}

func (l *latency) handle(ctx context.Context, inv *command.Invocation) error {
	ms := l.source.Latency().Round(time.Millisecond).Milliseconds()
	if err := inv.Reply(ctx, fmt.Sprintf("Latency: %dms", ms)); err != nil {
		return err
	}
	l.logger.Info().Int64("latency_ms", ms).Msg("latency reported")
	return nil
}
