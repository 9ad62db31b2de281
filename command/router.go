package command

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Router dispatches interactions to the command handlers in a Tree.
type Router struct {
	tree      *Tree
	responder Responder
}

// NewRouter creates a router answering through responder.
func NewRouter(tree *Tree, responder Responder) *Router {
	return &Router{tree: tree, responder: responder}
}

// Dispatch runs the handler registered for in.Command. Panics in handlers
// are recovered and reported as errors.
func (r *Router) Dispatch(ctx context.Context, in Interaction) (err error) {
	cmd, ok := r.tree.Lookup(in.Command)
	if !ok {
		log.Warn().Str("command", in.Command).Str("interaction", in.ID).Msg("interaction for unknown command")
		if r.responder != nil {
			_ = r.responder.Respond(ctx, in.ID, "This command is not available right now.")
		}
		return fmt.Errorf("%w: %s", ErrUnknownCommand, in.Command)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("command", in.Command).Interface("panic_value", p).Msg("panic recovered in command handler")
			err = fmt.Errorf("command %s panicked: %v", in.Command, p)
		}
	}()

	startTime := time.Now()
	err = cmd.Handler(ctx, NewInvocation(in, r.responder))
	if err != nil {
		log.Error().Err(err).Str("command", in.Command).Dur("duration", time.Since(startTime)).Msg("command handler failed")
		return err
	}
	log.Debug().Str("command", in.Command).Str("user", in.UserID).Dur("duration", time.Since(startTime)).Msg("command handled")
	return nil
}
