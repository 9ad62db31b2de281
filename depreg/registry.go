// Package depreg is a type-keyed registry of shared services. The host puts
// process-wide collaborators (gateway session, broker, ...) in it and hands
// it to extensions during setup, so no extension reaches for a global.
package depreg

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrDependencyNotFound = errors.New("dependency not found")
	ErrInvalidTargetType  = errors.New("target argument must be a non-nil pointer")
	ErrAmbiguousInterface = errors.New("multiple registered types implement the requested interface")
)

// DependencyRegistry stores one value per concrete type.
type DependencyRegistry struct {
	mu      sync.RWMutex
	store   map[reflect.Type]reflect.Value
	changed chan struct{} // closed and replaced on every Set
}

// New creates an empty registry.
func New() *DependencyRegistry {
	return &DependencyRegistry{
		store:   make(map[reflect.Type]reflect.Value),
		changed: make(chan struct{}),
	}
}

// Set registers values under their concrete types. An existing value of the
// same type is replaced. nil values are ignored.
func (r *DependencyRegistry) Set(values ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := false
	for _, v := range values {
		if v == nil {
			log.Warn().Msg("ignoring nil dependency")
			continue
		}
		rv := reflect.ValueOf(v)
		if _, exists := r.store[rv.Type()]; exists {
			log.Warn().Str("type", rv.Type().String()).Msg("overwriting existing dependency")
		}
		r.store[rv.Type()] = rv
		log.Debug().Str("type", rv.Type().String()).Msg("dependency registered")
		added = true
	}

	if added {
		close(r.changed)
		r.changed = make(chan struct{})
	}
}

// Get assigns registered values to the pointers in targets. A target of
// interface type is satisfied by the single registered type implementing it.
func (r *DependencyRegistry) Get(targets ...any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(targets)
}

// MustGet is Get for dependencies the caller cannot run without.
func (r *DependencyRegistry) MustGet(targets ...any) {
	if err := r.Get(targets...); err != nil {
		log.Panic().Err(err).Msg("failed to get required dependencies")
	}
}

// GetWait is Get, waiting for missing dependencies until ctx ends.
func (r *DependencyRegistry) GetWait(ctx context.Context, targets ...any) error {
	for {
		r.mu.RLock()
		err := r.resolve(targets)
		changed := r.changed
		r.mu.RUnlock()

		if err == nil || !errors.Is(err, ErrDependencyNotFound) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for dependencies: %w: %w", err, ctx.Err())
		case <-changed:
		}
	}
}

// resolve must be called with r.mu held.
func (r *DependencyRegistry) resolve(targets []any) error {
	var missing []reflect.Type
	for _, target := range targets {
		ptr := reflect.ValueOf(target)
		if ptr.Kind() != reflect.Pointer || ptr.IsNil() {
			return fmt.Errorf("%w: received %T", ErrInvalidTargetType, target)
		}
		elem := ptr.Elem()

		val, err := r.find(elem.Type())
		if errors.Is(err, ErrDependencyNotFound) {
			missing = append(missing, elem.Type())
			continue
		}
		if err != nil {
			return err
		}
		elem.Set(val)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing types %v", ErrDependencyNotFound, missing)
	}
	return nil
}

func (r *DependencyRegistry) find(want reflect.Type) (reflect.Value, error) {
	if v, ok := r.store[want]; ok {
		return v, nil
	}
	if want.Kind() != reflect.Interface {
		return reflect.Value{}, ErrDependencyNotFound
	}

	var (
		found reflect.Value
		count int
	)
	for typ, v := range r.store {
		if typ.Implements(want) {
			found = v
			count++
		}
	}
	switch {
	case count == 1:
		return found, nil
	case count > 1:
		return reflect.Value{}, fmt.Errorf("%w: %s has %d implementations", ErrAmbiguousInterface, want, count)
	default:
		return reflect.Value{}, ErrDependencyNotFound
	}
}
