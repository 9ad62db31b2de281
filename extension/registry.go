package extension

import (
	"fmt"
	"sync"
	"time"

	"github.com/toolink/cogbot/command"
)

// Handle is the runtime state of one loaded extension. A new Handle is made
// on every successful load or reload.
type Handle struct {
	ID         ID
	Extension  Extension
	Commands   []command.Descriptor
	Generation uint64
	LoadedAt   time.Time
}

// Registry maps loaded extension ids to their handles. An id is present iff
// the extension is active and its commands are in the command tree.
//
// Only the Manager mutates a Registry; reads are safe from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	handles map[ID]*Handle
	order   []ID // insertion order, used for shutdown
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[ID]*Handle)}
}

// Has reports whether id is loaded.
func (r *Registry) Has(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[id]
	return ok
}

// Get returns the handle of a loaded extension.
func (r *Registry) Get(id ID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Insert adds h. It fails with ErrAlreadyLoaded if h.ID is present.
func (r *Registry) Insert(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[h.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, h.ID)
	}
	r.handles[h.ID] = h
	r.order = append(r.order, h.ID)
	return nil
}

// Remove deletes id and returns its handle, or fails with ErrNotLoaded.
func (r *Registry) Remove(id ID) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.handles[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	delete(r.handles, id)

	order := make([]ID, 0, len(r.order))
	for _, loaded := range r.order {
		if loaded != id {
			order = append(order, loaded)
		}
	}
	r.order = order
	return h, nil
}

// IDs returns the loaded ids in load order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ID(nil), r.order...)
}

// Len returns the number of loaded extensions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// replace swaps the handle of an id that is loaded, keeping its load
// position, or inserts it if absent.
func (r *Registry) replace(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[h.ID]; !exists {
		r.order = append(r.order, h.ID)
	}
	r.handles[h.ID] = h
}
