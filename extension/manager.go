package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/depreg"
	"github.com/toolink/cogbot/meta"
	"github.com/toolink/cogbot/pubsub"
)

// TopicLifecycle is the broker topic receiving one Event per lifecycle item.
const TopicLifecycle = "extension.lifecycle"

// Event is the broker payload describing one lifecycle item.
type Event struct {
	Op         Op     `json:"op"`
	ID         ID     `json:"id"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	OpID       string `json:"op_id,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
}

// Manager loads, unloads and reloads extensions. Calls are serialized: a
// call holds the manager for all of its items and its trailing sync.
//
// Single-item calls sync the command tree only when they changed the
// registry. Batch calls sync exactly once after every item was processed.
type Manager struct {
	mu sync.Mutex

	catalog  *Catalog
	registry *Registry
	tree     *command.Tree
	services *depreg.DependencyRegistry
	locker   Locker
	broker   *pubsub.Broker
	now      func() time.Time

	generation uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithServices sets the registry extensions resolve shared services from.
func WithServices(s *depreg.DependencyRegistry) Option {
	return func(m *Manager) { m.services = s }
}

// WithLocker makes every call also hold l, serializing lifecycle calls of
// several processes driving the same application.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithBroker publishes an Event for every lifecycle item.
func WithBroker(b *pubsub.Broker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager resolving modules from catalog and
// publishing their commands to tree.
func NewManager(catalog *Catalog, tree *command.Tree, opts ...Option) *Manager {
	m := &Manager{
		catalog:  catalog,
		registry: NewRegistry(),
		tree:     tree,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.services == nil {
		m.services = depreg.New()
	}
	return m
}

// Registry exposes the loaded extensions for reading.
func (m *Manager) Registry() *Registry { return m.registry }

// Has reports whether id is loaded.
func (m *Manager) Has(id ID) bool { return m.registry.Has(id) }

// Loaded lists loaded ids in load order.
func (m *Manager) Loaded() []ID { return m.registry.IDs() }

// Load loads one extension and syncs if it was loaded.
func (m *Manager) Load(ctx context.Context, id ID) Result {
	return m.single(ctx, OpLoad, id, m.load)
}

// Unload unloads one extension and syncs if it was removed.
func (m *Manager) Unload(ctx context.Context, id ID) Result {
	return m.single(ctx, OpUnload, id, m.unload)
}

// Reload reloads one extension and syncs if the registry changed.
func (m *Manager) Reload(ctx context.Context, id ID) Result {
	return m.single(ctx, OpReload, id, m.reload)
}

// BatchLoad loads ids in order and syncs once.
func (m *Manager) BatchLoad(ctx context.Context, ids []ID) BatchResult {
	return m.batch(ctx, OpLoad, ids, m.load, true)
}

// BatchUnload unloads ids in order and syncs once.
func (m *Manager) BatchUnload(ctx context.Context, ids []ID) BatchResult {
	return m.batch(ctx, OpUnload, ids, m.unload, true)
}

// BatchReload reloads ids in order and syncs once.
func (m *Manager) BatchReload(ctx context.Context, ids []ID) BatchResult {
	return m.batch(ctx, OpReload, ids, m.reload, true)
}

// Shutdown unloads every loaded extension in reverse load order. The tree is
// not synced: the published commands stay as they are for the next process.
func (m *Manager) Shutdown(ctx context.Context) BatchResult {
	ids := m.registry.IDs()
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	log.Info().Int("count", len(ids)).Msg("shutting down extensions...")
	return m.batch(ctx, OpUnload, ids, m.unload, false)
}

type stepFunc func(ctx context.Context, id ID) error

func (m *Manager) single(ctx context.Context, op Op, id ID, step stepFunc) Result {
	ctx, _ = meta.WithOp(ctx, string(op), false)

	release, err := m.acquire(ctx)
	if err != nil {
		res := Result{Op: op, ID: id, Outcome: Failed, Err: &OpError{Op: op, ID: id, Err: err}}
		m.report(ctx, res)
		return res
	}
	defer release()

	res := m.run(ctx, op, id, step)
	if res.Mutated() {
		res.Synced = true
		res.SyncErr = m.tree.Sync(ctx)
	}
	return res
}

func (m *Manager) batch(ctx context.Context, op Op, ids []ID, step stepFunc, syncTree bool) BatchResult {
	br := BatchResult{Op: op, Results: make([]Result, 0, len(ids))}
	if len(ids) == 0 {
		return br
	}

	ctx, _ = meta.WithOp(ctx, "batch_"+string(op), true)
	logger := meta.Logger(ctx)
	logger.Debug().Int("count", len(ids)).Interface("extensions", ids).Msg("starting batch")

	release, err := m.acquire(ctx)
	if err != nil {
		for _, id := range ids {
			res := Result{Op: op, ID: id, Outcome: Failed, Err: &OpError{Op: op, ID: id, Err: err}}
			m.report(ctx, res)
			br.Results = append(br.Results, res)
		}
		return br
	}
	defer release()

	for _, id := range ids {
		br.Results = append(br.Results, m.run(ctx, op, id, step))
	}

	failed := len(br.Failed())
	logger.Info().
		Int("count", len(ids)).
		Int("succeeded", len(ids)-failed).
		Int("not_succeeded", failed).
		Msgf("batch %s completed", op)

	if syncTree {
		br.Synced = true
		br.SyncErr = m.tree.Sync(ctx)
	}
	return br
}

// acquire takes the in-process lock and, if configured, the shared lock.
func (m *Manager) acquire(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if m.locker == nil {
		return m.mu.Unlock, nil
	}
	if err := m.locker.Lock(ctx); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire lifecycle lock: %w", err)
	}
	return func() {
		if err := m.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to release lifecycle lock")
		}
		m.mu.Unlock()
	}, nil
}

func (m *Manager) run(ctx context.Context, op Op, id ID, step stepFunc) Result {
	meta.Logger(ctx).Debug().Str("extension", string(id)).Msgf("attempting %s...", op)

	startTime := m.now()
	res := resultFor(op, id, step(ctx, id))
	res.Duration = m.now().Sub(startTime)

	m.report(ctx, res)
	m.publish(ctx, res)
	return res
}

// load must be called with the manager held.
func (m *Manager) load(ctx context.Context, id ID) error {
	if m.registry.Has(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
	}
	factory, err := m.catalog.Resolve(id)
	if err != nil {
		return err
	}

	h, err := m.instantiate(ctx, id, factory)
	if err != nil {
		return &OpError{Op: OpLoad, ID: id, Err: err}
	}
	if err := m.registry.Insert(h); err != nil {
		m.tree.Detach(string(id))
		return err
	}
	return nil
}

// unload must be called with the manager held.
func (m *Manager) unload(ctx context.Context, id ID) error {
	h, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}

	teardownErr := m.teardown(ctx, h)
	m.tree.Detach(string(id))
	if _, err := m.registry.Remove(id); err != nil {
		return err
	}
	if teardownErr != nil {
		return &OpError{Op: OpUnload, ID: id, Err: teardownErr}
	}
	return nil
}

// reload must be called with the manager held. On failure the extension is
// left fully unloaded.
func (m *Manager) reload(ctx context.Context, id ID) error {
	old, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}

	if reloader, ok := old.Extension.(Reloader); ok {
		s := newScope(id, m.services)
		err := guard(func() error { return reloader.Reload(ctx, s) })
		s.seal()
		if err == nil {
			err = m.tree.Attach(string(id), s.staged())
		}
		if err != nil {
			if tdErr := m.teardown(ctx, old); tdErr != nil {
				log.Warn().Err(tdErr).Str("extension", string(id)).Msg("teardown after failed reload failed")
			}
			m.drop(id)
			return &OpError{Op: OpReload, ID: id, Err: err}
		}
		m.registry.replace(m.newHandle(id, old.Extension, s.staged()))
		return nil
	}

	factory, err := m.catalog.Resolve(id)
	if err != nil {
		return err
	}

	if err := m.teardown(ctx, old); err != nil {
		m.drop(id)
		return &OpError{Op: OpReload, ID: id, Err: fmt.Errorf("teardown: %w", err)}
	}

	h, err := m.instantiate(ctx, id, factory)
	if err != nil {
		m.drop(id)
		return &OpError{Op: OpReload, ID: id, Err: err}
	}
	m.registry.replace(h)
	return nil
}

// instantiate builds and sets up a new instance and attaches its commands to
// the tree, replacing any commands id owned before.
func (m *Manager) instantiate(ctx context.Context, id ID, factory Factory) (*Handle, error) {
	var ext Extension
	if err := guard(func() error { ext = factory(); return nil }); err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, fmt.Errorf("%w: factory for %s produced no extension", ErrNotFound, id)
	}

	s := newScope(id, m.services)
	err := guard(func() error { return ext.Setup(ctx, s) })
	s.seal()
	if err != nil {
		if tdErr := m.teardown(ctx, &Handle{ID: id, Extension: ext}); tdErr != nil {
			log.Warn().Err(tdErr).Str("extension", string(id)).Msg("teardown after failed setup failed")
		}
		return nil, fmt.Errorf("setup: %w", err)
	}

	cmds := s.staged()
	if err := m.tree.Attach(string(id), cmds); err != nil {
		h := &Handle{ID: id, Extension: ext}
		if tdErr := m.teardown(ctx, h); tdErr != nil {
			log.Warn().Err(tdErr).Str("extension", string(id)).Msg("teardown after rejected commands failed")
		}
		return nil, err
	}
	return m.newHandle(id, ext, cmds), nil
}

func (m *Manager) teardown(ctx context.Context, h *Handle) error {
	td, ok := h.Extension.(Teardowner)
	if !ok {
		return nil
	}
	return guard(func() error { return td.Teardown(ctx, newTeardownScope(h.ID, m.services)) })
}

// drop removes every trace of id from the tree and the registry.
func (m *Manager) drop(id ID) {
	m.tree.Detach(string(id))
	_, _ = m.registry.Remove(id)
}

func (m *Manager) newHandle(id ID, ext Extension, cmds []command.Descriptor) *Handle {
	m.generation++
	return &Handle{
		ID:         id,
		Extension:  ext,
		Commands:   cmds,
		Generation: m.generation,
		LoadedAt:   m.now(),
	}
}

// report logs one item: info on success, warn for benign state conflicts,
// error for anything else.
func (m *Manager) report(ctx context.Context, res Result) {
	logger := meta.Logger(ctx)
	switch res.Outcome {
	case Succeeded:
		logger.Info().Str("extension", string(res.ID)).Dur("duration", res.Duration).Msgf("%s succeeded", res.Op)
	case AlreadyInState:
		logger.Warn().Str("extension", string(res.ID)).Err(res.Err).Msgf("%s skipped", res.Op)
	case NotFound:
		logger.Error().Str("extension", string(res.ID)).Err(res.Err).Msgf("%s failed: extension not found", res.Op)
	default:
		logger.Error().Str("extension", string(res.ID)).Dur("duration", res.Duration).Err(res.Err).Msgf("%s failed", res.Op)
	}
}

func (m *Manager) publish(ctx context.Context, res Result) {
	if m.broker == nil {
		return
	}

	ev := Event{Op: res.Op, ID: res.ID, Outcome: res.Outcome.String()}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	if op, ok := meta.OpFrom(ctx); ok {
		ev.OpID = op.ID
	}
	if h, ok := m.registry.Get(res.ID); ok {
		ev.Generation = h.Generation
	}

	msg, err := pubsub.NewMessage(TopicLifecycle, ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode lifecycle event")
		return
	}
	if err := m.broker.TryPublish(ctx, TopicLifecycle, msg); err != nil {
		log.Warn().Err(err).Str("extension", string(res.ID)).Msg("failed to publish lifecycle event")
	}
}

// guard runs fn, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
