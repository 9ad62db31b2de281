// Package extension defines pluggable command modules and the manager that
// loads, unloads and reloads them at runtime while keeping the published
// command tree consistent with what is loaded.
package extension

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/depreg"
)

// ID names an extension with a namespaced path such as "devtools.ping".
type ID string

var idPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// Valid reports whether id is a well formed extension path.
func (id ID) Valid() bool {
	return len(id) <= 255 && idPattern.MatchString(string(id))
}

// Extension is the capability every loadable module provides.
type Extension interface {
	// Setup initializes the module and registers its commands on host.
	// Commands only become visible if Setup returns nil.
	Setup(ctx context.Context, host Host) error
}

// Teardowner is implemented by extensions holding resources to release on
// unload.
type Teardowner interface {
	Teardown(ctx context.Context, host Host) error
}

// Reloader is implemented by extensions that can refresh themselves in place.
// Reload receives a fresh Host; the commands it registers replace the old
// ones when it returns nil.
type Reloader interface {
	Reload(ctx context.Context, host Host) error
}

// Factory builds a new, not yet initialized, extension instance.
type Factory func() Extension

// Host is the view of the bot given to an extension during setup, reload
// and teardown.
type Host interface {
	ID() ID
	AddCommand(cmd command.Descriptor) error
	Services() *depreg.DependencyRegistry
	Logger() zerolog.Logger
}

// Locker serializes lifecycle operations across processes.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

var (
	// ErrAlreadyRegistered is returned when a catalog id is registered twice.
	ErrAlreadyRegistered = errors.New("extension id is already registered")
	// ErrAlreadyLoaded is returned when loading an id that is loaded.
	ErrAlreadyLoaded = errors.New("extension is already loaded")
	// ErrNotLoaded is returned when unloading or reloading an id that is not loaded.
	ErrNotLoaded = errors.New("extension is not loaded")
	// ErrNotFound is returned when an id is malformed or has no factory.
	ErrNotFound = errors.New("extension not found")
)

// Op names a lifecycle operation.
type Op string

const (
	OpLoad   Op = "load"
	OpUnload Op = "unload"
	OpReload Op = "reload"
)

// OpError is a failure raised by an extension during a lifecycle
// operation: LoadFailed, UnloadFailed or ReloadFailed depending on Op.
type OpError struct {
	Op  Op
	ID  ID
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
