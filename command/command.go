// Package command describes externally invocable commands and keeps the set
// that is published to the remote service.
package command

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCommandConflict is returned by Attach when a name belongs to another owner.
	ErrCommandConflict = errors.New("command name already registered by another extension")
	// ErrInvalidCommand is returned for a descriptor without a valid name or handler.
	ErrInvalidCommand = errors.New("invalid command descriptor")
	// ErrUnknownCommand is returned by Dispatch when no command has the name.
	ErrUnknownCommand = errors.New("unknown command")
)

// Handler runs one invocation of a command.
type Handler func(ctx context.Context, inv *Invocation) error

// Descriptor is the metadata of one command plus the handler serving it.
type Descriptor struct {
	Name        string
	Description string
	Handler     Handler `json:"-"`
}

// Validate reports whether the descriptor can be published.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCommand)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidCommand, d.Name)
	}
	return nil
}

// Interaction is a single user invocation delivered by the gateway.
type Interaction struct {
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	GuildID   string            `json:"guild_id,omitempty"`
	ChannelID string            `json:"channel_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Responder sends a reply to an interaction.
type Responder interface {
	Respond(ctx context.Context, interactionID, content string) error
}

// Invocation binds an interaction to the responder able to answer it.
type Invocation struct {
	Interaction
	responder Responder
}

// NewInvocation creates an invocation answered through r.
func NewInvocation(in Interaction, r Responder) *Invocation {
	return &Invocation{Interaction: in, responder: r}
}

// Reply answers the interaction.
func (i *Invocation) Reply(ctx context.Context, content string) error {
	if i.responder == nil {
		return errors.New("invocation has no responder")
	}
	return i.responder.Respond(ctx, i.ID, content)
}
