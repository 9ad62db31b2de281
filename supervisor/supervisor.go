// Package supervisor reacts to gateway session events: it logs session
// metrics and bootstraps the default extensions on the first ready of the
// process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/extension"
	"github.com/toolink/cogbot/gateway"
	"github.com/toolink/cogbot/pubsub"
)

// Session is the live gateway connection.
type Session interface {
	Latency() time.Duration
	GuildCount() int
	UserCount() int
	User() gateway.User
	Guilds() []gateway.Guild
	SetPresence(ctx context.Context, p gateway.Presence) error
}

// Lifecycle is the part of the extension manager the supervisor drives.
type Lifecycle interface {
	BatchLoad(ctx context.Context, ids []extension.ID) extension.BatchResult
	Loaded() []extension.ID
}

// StatusReporter receives the readiness of the bot.
type StatusReporter interface {
	SetServing(serving bool)
}

// Config holds the supervisor settings.
type Config struct {
	Defaults []extension.ID
	Presence gateway.Presence
}

// Supervisor handles gateway events.
type Supervisor struct {
	cfg       Config
	session   Session
	lifecycle Lifecycle
	tree      *command.Tree
	router    *command.Router
	status    StatusReporter

	bootstrapped atomic.Bool

	mu   sync.Mutex
	subs []string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStatus reports readiness to r after bootstrap.
func WithStatus(r StatusReporter) Option {
	return func(s *Supervisor) { s.status = r }
}

// WithRouter dispatches gateway interactions through r.
func WithRouter(r *command.Router) Option {
	return func(s *Supervisor) { s.router = r }
}

// New creates a supervisor.
func New(cfg Config, session Session, lifecycle Lifecycle, tree *command.Tree, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		session:   session,
		lifecycle: lifecycle,
		tree:      tree,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrapped reports whether the default extensions were loaded.
func (s *Supervisor) Bootstrapped() bool {
	return s.bootstrapped.Load()
}

// HandleReady logs the session state and, on the first ready of the process,
// loads the default extensions in one batch. Later readies come from new
// sessions after a disconnect and only log.
func (s *Supervisor) HandleReady(ctx context.Context, ready gateway.Ready) {
	s.logSession(ready)

	if s.cfg.Presence.Status != "" {
		if err := s.session.SetPresence(ctx, s.cfg.Presence); err != nil {
			log.Warn().Err(err).Msg("failed to set presence")
		}
	}

	if !s.bootstrapped.CompareAndSwap(false, true) {
		log.Warn().Str("session_id", ready.SessionID).Msg("session re-established, bootstrap skipped")
		s.resync(ctx)
		return
	}

	log.Info().Interface("extensions", s.cfg.Defaults).Msg("bot is ready, loading default extensions...")
	br := s.lifecycle.BatchLoad(ctx, s.cfg.Defaults)

	failed := br.Failed()
	logEvent := log.Info()
	if len(failed) > 0 {
		logEvent = log.Warn()
	}
	logEvent.
		Int("loaded", len(br.Succeeded())).
		Int("failed", len(failed)).
		Int("commands", s.tree.Len()).
		Msg("bootstrap completed")

	if s.status != nil {
		s.status.SetServing(true)
	}
}

// HandleResumed logs a resumed session and repeats a command sync that
// failed while the connection was down.
func (s *Supervisor) HandleResumed(ctx context.Context, resumed gateway.Resumed) {
	log.Info().
		Str("session_id", resumed.SessionID).
		Dur("latency", s.session.Latency()).
		Msg("session resumed")
	s.resync(ctx)
}

func (s *Supervisor) resync(ctx context.Context) {
	if _, err := s.tree.SyncIfStale(ctx); err != nil {
		log.Warn().Err(err).Msg("command tree still out of date")
	}
}

func (s *Supervisor) logSession(ready gateway.Ready) {
	user := s.session.User()
	log.Info().Str("user", user.Name).Str("user_id", user.ID).Str("session_id", ready.SessionID).Msg("logged in")
	log.Info().
		Dur("latency", s.session.Latency()).
		Int("commands", s.tree.Len()).
		Int("guilds", s.session.GuildCount()).
		Int("users", s.session.UserCount()).
		Msg("session metrics")

	if e := log.Debug(); e.Enabled() {
		guilds := s.session.Guilds()
		names := make([]string, 0, len(guilds))
		for _, g := range guilds {
			names = append(names, g.Name)
		}
		cmds := s.tree.Snapshot()
		cmdNames := make([]string, 0, len(cmds))
		for _, c := range cmds {
			cmdNames = append(cmdNames, c.Name)
		}
		e.Strs("guilds", names).
			Interface("extensions", s.lifecycle.Loaded()).
			Strs("commands", cmdNames).
			Msg("session details")
	}
}

// Attach subscribes the supervisor to the gateway topics on broker.
func (s *Supervisor) Attach(ctx context.Context, broker *pubsub.Broker) error {
	handlers := map[string]pubsub.Handler{
		gateway.TopicReady: func(hctx context.Context, msg *pubsub.Message) {
			var ready gateway.Ready
			if err := msg.Decode(&ready); err != nil {
				log.Error().Err(err).Msg("dropping malformed ready event")
				return
			}
			s.HandleReady(hctx, ready)
		},
		gateway.TopicResumed: func(hctx context.Context, msg *pubsub.Message) {
			var resumed gateway.Resumed
			if err := msg.Decode(&resumed); err != nil {
				log.Error().Err(err).Msg("dropping malformed resumed event")
				return
			}
			s.HandleResumed(hctx, resumed)
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, h := range handlers {
		id, err := broker.Subscribe(ctx, topic, h)
		if err != nil {
			return fmt.Errorf("supervisor: subscribe %s: %w", topic, err)
		}
		s.subs = append(s.subs, id)
	}

	if s.router != nil {
		id, err := broker.Subscribe(ctx, gateway.TopicInteraction, func(hctx context.Context, msg *pubsub.Message) {
			var in command.Interaction
			if err := msg.Decode(&in); err != nil {
				log.Error().Err(err).Msg("dropping malformed interaction")
				return
			}
			// unknown commands and handler errors are logged by the router
			_ = s.router.Dispatch(hctx, in)
		}, pubsub.WithConcurrency(4))
		if err != nil {
			return fmt.Errorf("supervisor: subscribe %s: %w", gateway.TopicInteraction, err)
		}
		s.subs = append(s.subs, id)
	}
	return nil
}

// Detach removes the subscriptions made by Attach.
func (s *Supervisor) Detach(ctx context.Context, broker *pubsub.Broker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, id := range s.subs {
		if err := broker.Unsubscribe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}
