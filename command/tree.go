package command

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Tree holds the commands contributed by loaded extensions, keyed by the
// owning extension id. Sync pushes a full snapshot through the Syncer.
type Tree struct {
	mu     sync.RWMutex
	owners map[string][]Descriptor // owner -> commands
	byName map[string]string       // command name -> owner

	syncer Syncer
	syncs  atomic.Uint64
	stale  atomic.Bool // last sync failed
}

// NewTree creates an empty tree publishing through syncer.
func NewTree(syncer Syncer) *Tree {
	return &Tree{
		owners: make(map[string][]Descriptor),
		byName: make(map[string]string),
		syncer: syncer,
	}
}

// Attach sets the commands owned by owner, replacing any previous set in one
// step. Names already owned by a different owner are rejected and nothing
// changes.
func (t *Tree) Attach(owner string, cmds []Descriptor) error {
	seen := make(map[string]struct{}, len(cmds))
	for _, cmd := range cmds {
		if err := cmd.Validate(); err != nil {
			return err
		}
		if _, dup := seen[cmd.Name]; dup {
			return fmt.Errorf("%w: %s declared twice by %s", ErrInvalidCommand, cmd.Name, owner)
		}
		seen[cmd.Name] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cmd := range cmds {
		if current, taken := t.byName[cmd.Name]; taken && current != owner {
			return fmt.Errorf("%w: %s (owned by %s)", ErrCommandConflict, cmd.Name, current)
		}
	}

	for _, old := range t.owners[owner] {
		delete(t.byName, old.Name)
	}
	if len(cmds) == 0 {
		delete(t.owners, owner)
		return nil
	}
	t.owners[owner] = append([]Descriptor(nil), cmds...)
	for _, cmd := range cmds {
		t.byName[cmd.Name] = owner
	}
	return nil
}

// Detach removes every command owned by owner and returns them.
func (t *Tree) Detach(owner string) []Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmds := t.owners[owner]
	for _, cmd := range cmds {
		delete(t.byName, cmd.Name)
	}
	delete(t.owners, owner)
	return cmds
}

// Lookup finds a command by name.
func (t *Tree) Lookup(name string) (Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	owner, ok := t.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	for _, cmd := range t.owners[owner] {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return Descriptor{}, false
}

// Owned returns the commands currently owned by owner.
func (t *Tree) Owned(owner string) []Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Descriptor(nil), t.owners[owner]...)
}

// Snapshot returns all commands sorted by name.
func (t *Tree) Snapshot() []Descriptor {
	t.mu.RLock()
	out := make([]Descriptor, 0, len(t.byName))
	for _, cmds := range t.owners {
		out = append(out, cmds...)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of commands in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}

// Syncs returns how many sync calls were issued.
func (t *Tree) Syncs() uint64 {
	return t.syncs.Load()
}

// Sync publishes the current snapshot. It is idempotent but costly, callers
// are expected to batch their mutations before calling it.
func (t *Tree) Sync(ctx context.Context) error {
	if t.syncer == nil {
		return nil
	}
	cmds := t.Snapshot()
	n := t.syncs.Add(1)

	log.Debug().Int("commands", len(cmds)).Uint64("sync", n).Msg("syncing command tree...")
	startTime := time.Now()
	if err := t.syncer.SyncCommands(ctx, cmds); err != nil {
		t.stale.Store(true)
		log.Error().Err(err).Dur("duration", time.Since(startTime)).Msg("failed to sync command tree")
		return fmt.Errorf("sync command tree: %w", err)
	}
	t.stale.Store(false)
	log.Info().Int("commands", len(cmds)).Dur("duration", time.Since(startTime)).Msg("command tree synced")
	return nil
}

// Stale reports whether the last sync failed, leaving the remote service
// with an outdated command set.
func (t *Tree) Stale() bool {
	return t.stale.Load()
}

// SyncIfStale repeats a failed sync. It reports whether a sync was issued.
func (t *Tree) SyncIfStale(ctx context.Context) (bool, error) {
	if !t.stale.Load() {
		return false, nil
	}
	log.Info().Msg("previous command sync failed, retrying")
	return true, t.Sync(ctx)
}
