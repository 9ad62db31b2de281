package extension

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/depreg"
)

var errScopeSealed = errors.New("commands can only be added during setup or reload")

// scope is the Host handed to one Setup/Reload/Teardown call. Commands are
// staged here and only reach the command tree once the call has succeeded.
type scope struct {
	id       ID
	services *depreg.DependencyRegistry
	logger   zerolog.Logger

	mu     sync.Mutex
	sealed bool

	commands []command.Descriptor
	names    map[string]struct{}
}

func newScope(id ID, services *depreg.DependencyRegistry) *scope {
	return &scope{
		id:       id,
		services: services,
		logger:   log.With().Str("extension", string(id)).Logger(),
		names:    make(map[string]struct{}),
	}
}

func newTeardownScope(id ID, services *depreg.DependencyRegistry) *scope {
	s := newScope(id, services)
	s.seal()
	return s
}

// seal rejects further AddCommand calls from a Host kept past its call.
func (s *scope) seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

func (s *scope) ID() ID { return s.id }

func (s *scope) Services() *depreg.DependencyRegistry { return s.services }

func (s *scope) Logger() zerolog.Logger { return s.logger }

func (s *scope) AddCommand(cmd command.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return errScopeSealed
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	if _, dup := s.names[cmd.Name]; dup {
		return fmt.Errorf("%w: %s registered twice", command.ErrInvalidCommand, cmd.Name)
	}
	s.names[cmd.Name] = struct{}{}
	s.commands = append(s.commands, cmd)
	s.logger.Debug().Str("command", cmd.Name).Msg("command staged")
	return nil
}

// staged returns the commands added so far.
func (s *scope) staged() []command.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Descriptor(nil), s.commands...)
}
