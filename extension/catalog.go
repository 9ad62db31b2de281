package extension

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Catalog maps extension ids to the factories able to build them. It is the
// build-time table that replaces importing modules by name.
type Catalog struct {
	mu        sync.RWMutex
	factories map[ID]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[ID]Factory)}
}

// Register adds a factory under id.
func (c *Catalog) Register(id ID, f Factory) error {
	if !id.Valid() {
		return fmt.Errorf("invalid extension id %q", id)
	}
	if f == nil {
		return fmt.Errorf("nil factory for extension %s", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[id]; exists {
		log.Error().Str("extension", string(id)).Msg("attempted to register duplicate extension")
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	c.factories[id] = f
	log.Debug().Str("extension", string(id)).Msg("extension registered in catalog")
	return nil
}

// MustRegister is Register for package init code.
func (c *Catalog) MustRegister(id ID, f Factory) {
	if err := c.Register(id, f); err != nil {
		panic(err)
	}
}

// Resolve returns the factory for id, or ErrNotFound.
func (c *Catalog) Resolve(id ID) (Factory, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q is not a valid extension id", ErrNotFound, id)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

// IDs lists the registered ids in lexical order.
func (c *Catalog) IDs() []ID {
	c.mu.RLock()
	ids := make([]ID, 0, len(c.factories))
	for id := range c.factories {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
