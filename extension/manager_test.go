package extension

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/toolink/cogbot/command"
	"github.com/toolink/cogbot/pubsub"
)

type countingSyncer struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *countingSyncer) SyncCommands(_ context.Context, cmds []command.Descriptor) error {
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	s.mu.Lock()
	s.calls = append(s.calls, names)
	s.mu.Unlock()
	return nil
}

func (s *countingSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// journal records lifecycle calls across instances.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeExt struct {
	name        string
	commands    []string
	setupErr    error
	teardownErr error
	panicSetup  bool
	journal     *journal
}

func (f *fakeExt) Setup(_ context.Context, h Host) error {
	f.journal.add("setup:" + f.name)
	if f.panicSetup {
		panic("boom")
	}
	for _, c := range f.commands {
		if err := h.AddCommand(command.Descriptor{Name: c, Handler: noopHandler}); err != nil {
			return err
		}
	}
	return f.setupErr
}

func (f *fakeExt) Teardown(_ context.Context, _ Host) error {
	f.journal.add("teardown:" + f.name)
	return f.teardownErr
}

type reloadingExt struct {
	fakeExt
	reloads int
}

func (r *reloadingExt) Reload(_ context.Context, h Host) error {
	r.reloads++
	r.journal.add("reload:" + r.name)
	return h.AddCommand(command.Descriptor{Name: "reloaded", Handler: noopHandler})
}

type failingReloader struct {
	fakeExt
}

func (r *failingReloader) Reload(_ context.Context, _ Host) error {
	r.journal.add("reload:" + r.name)
	return errors.New("state lost")
}

// hostKeeper adds a command through the Host it kept from Setup.
type hostKeeper struct {
	host Host
}

func (k *hostKeeper) Setup(_ context.Context, h Host) error {
	k.host = h
	return h.AddCommand(command.Descriptor{Name: "kept", Handler: noopHandler})
}

func noopHandler(context.Context, *command.Invocation) error { return nil }

type fixture struct {
	catalog *Catalog
	syncer  *countingSyncer
	tree    *command.Tree
	journal *journal
	manager *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		catalog: NewCatalog(),
		syncer:  &countingSyncer{},
		journal: &journal{},
	}
	f.tree = command.NewTree(f.syncer)
	f.manager = NewManager(f.catalog, f.tree, opts...)
	return f
}

func (f *fixture) register(t *testing.T, id ID, build func() *fakeExt) {
	t.Helper()
	err := f.catalog.Register(id, func() Extension {
		e := build()
		e.journal = f.journal
		return e
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func (f *fixture) registerSimple(t *testing.T, id ID, cmds ...string) {
	t.Helper()
	f.register(t, id, func() *fakeExt { return &fakeExt{name: string(id), commands: cmds} })
}

func TestLoadThenHas(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "cogs.ping", "ping")

	res := f.manager.Load(context.Background(), "cogs.ping")
	if res.Outcome != Succeeded || res.Err != nil {
		t.Fatalf("Load = %v, %v", res.Outcome, res.Err)
	}
	if !f.manager.Has("cogs.ping") {
		t.Fatal("extension not registered after load")
	}
	if _, ok := f.tree.Lookup("ping"); !ok {
		t.Fatal("command not in tree after load")
	}
	if !res.Synced || f.syncer.count() != 1 {
		t.Fatalf("expected one sync, got %d (synced=%v)", f.syncer.count(), res.Synced)
	}
}

func TestLoadTwiceIsAlreadyInState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a", "cmd_a")
	ctx := context.Background()

	f.manager.Load(ctx, "a")
	res := f.manager.Load(ctx, "a")
	if res.Outcome != AlreadyInState || !errors.Is(res.Err, ErrAlreadyLoaded) {
		t.Fatalf("second Load = %v, %v", res.Outcome, res.Err)
	}
	if res.Synced {
		t.Fatal("no-op load must not sync")
	}
	if got := f.journal.list(); len(got) != 1 {
		t.Fatalf("setup ran %d times, want 1", len(got))
	}
	if f.manager.Registry().Len() != 1 {
		t.Fatalf("registry has %d entries", f.manager.Registry().Len())
	}
}

func TestUnloadNeverLoaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a")

	res := f.manager.Unload(context.Background(), "a")
	if res.Outcome != AlreadyInState || !errors.Is(res.Err, ErrNotLoaded) {
		t.Fatalf("Unload = %v, %v", res.Outcome, res.Err)
	}
	if f.syncer.count() != 0 {
		t.Fatal("no-op unload must not sync")
	}
}

func TestLoadUnknownIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.manager.Load(context.Background(), "missing.module")
	if res.Outcome != NotFound || !errors.Is(res.Err, ErrNotFound) {
		t.Fatalf("Load = %v, %v", res.Outcome, res.Err)
	}
	if f.manager.Has("missing.module") || f.syncer.count() != 0 {
		t.Fatal("unknown extension must leave no trace")
	}
}

func TestLoadThenUnloadRestoresState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a", "x", "y")
	ctx := context.Background()

	f.manager.Load(ctx, "a")
	res := f.manager.Unload(ctx, "a")
	if res.Outcome != Succeeded {
		t.Fatalf("Unload = %v, %v", res.Outcome, res.Err)
	}
	if f.manager.Has("a") || f.tree.Len() != 0 {
		t.Fatal("unload left state behind")
	}
	if want := []string{"setup:a", "teardown:a"}; !reflect.DeepEqual(f.journal.list(), want) {
		t.Fatalf("journal = %v, want %v", f.journal.list(), want)
	}
}

func TestBatchLoadContinuesPastFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a", "cmd_a")
	f.register(t, "broken", func() *fakeExt {
		return &fakeExt{name: "broken", commands: []string{"cmd_b"}, setupErr: errors.New("init failed")}
	})
	f.registerSimple(t, "c", "cmd_c")

	br := f.manager.BatchLoad(context.Background(), []ID{"a", "broken", "c"})

	if !f.manager.Has("a") || !f.manager.Has("c") {
		t.Fatal("healthy extensions should be loaded")
	}
	if f.manager.Has("broken") {
		t.Fatal("failed extension must not be registered")
	}
	if _, ok := f.tree.Lookup("cmd_b"); ok {
		t.Fatal("commands of a failed setup must not reach the tree")
	}
	if got := br.Succeeded(); !reflect.DeepEqual(got, []ID{"a", "c"}) {
		t.Fatalf("Succeeded = %v", got)
	}
	failed := br.Failed()
	if len(failed) != 1 || failed[0].ID != "broken" || failed[0].Outcome != Failed {
		t.Fatalf("Failed = %+v", failed)
	}
	var opErr *OpError
	if !errors.As(failed[0].Err, &opErr) || opErr.Op != OpLoad {
		t.Fatalf("expected *OpError, got %v", failed[0].Err)
	}
	if f.syncer.count() != 1 || !br.Synced {
		t.Fatalf("batch synced %d times, want 1", f.syncer.count())
	}
	if want := []string{"cmd_a", "cmd_c"}; !reflect.DeepEqual(f.syncer.calls[0], want) {
		t.Fatalf("synced %v, want %v", f.syncer.calls[0], want)
	}
}

func TestBatchWithOnlyFailuresStillSyncsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	br := f.manager.BatchLoad(context.Background(), []ID{"nope", "also.nope"})
	if len(br.Failed()) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(br.Failed()))
	}
	if f.syncer.count() != 1 {
		t.Fatalf("synced %d times, want 1", f.syncer.count())
	}
	if br.Err() == nil {
		t.Fatal("expected joined error")
	}
}

func TestEmptyBatchDoesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	br := f.manager.BatchReload(context.Background(), nil)
	if len(br.Results) != 0 || br.Synced || f.syncer.count() != 0 {
		t.Fatalf("empty batch did work: %+v, syncs=%d", br, f.syncer.count())
	}
}

func TestBatchProcessesDuplicatesSequentially(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a", "cmd_a")

	br := f.manager.BatchLoad(context.Background(), []ID{"a", "a"})
	if br.Results[0].Outcome != Succeeded || br.Results[1].Outcome != AlreadyInState {
		t.Fatalf("outcomes = %v, %v", br.Results[0].Outcome, br.Results[1].Outcome)
	}
}

func TestReloadTearsDownBeforeSetup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a", "cmd_a")
	ctx := context.Background()

	f.manager.Load(ctx, "a")
	before, _ := f.manager.Registry().Get("a")

	res := f.manager.Reload(ctx, "a")
	if res.Outcome != Succeeded {
		t.Fatalf("Reload = %v, %v", res.Outcome, res.Err)
	}
	after, ok := f.manager.Registry().Get("a")
	if !ok {
		t.Fatal("extension missing after reload")
	}
	if after.Extension == before.Extension || after.Generation <= before.Generation {
		t.Fatal("reload did not install a fresh instance")
	}
	want := []string{"setup:a", "teardown:a", "setup:a"}
	if !reflect.DeepEqual(f.journal.list(), want) {
		t.Fatalf("journal = %v, want %v", f.journal.list(), want)
	}
	if _, ok := f.tree.Lookup("cmd_a"); !ok {
		t.Fatal("commands missing after reload")
	}
	if f.syncer.count() != 2 {
		t.Fatalf("synced %d times, want 2", f.syncer.count())
	}
}

func TestReloadFailureLeavesExtensionUnloaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	builds := 0
	f.register(t, "flaky", func() *fakeExt {
		builds++
		e := &fakeExt{name: "flaky", commands: []string{"flaky_cmd"}}
		if builds > 1 {
			e.setupErr = errors.New("broken on reload")
		}
		return e
	})
	ctx := context.Background()

	f.manager.Load(ctx, "flaky")
	res := f.manager.Reload(ctx, "flaky")
	if res.Outcome != Failed {
		t.Fatalf("Reload = %v, %v", res.Outcome, res.Err)
	}
	if f.manager.Has("flaky") {
		t.Fatal("failed reload must leave the extension unloaded")
	}
	if _, ok := f.tree.Lookup("flaky_cmd"); ok {
		t.Fatal("failed reload left commands in the tree")
	}
	if !res.Synced {
		t.Fatal("failed reload changed the registry and must sync")
	}
}

func TestReloadNotLoaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a")

	res := f.manager.Reload(context.Background(), "a")
	if res.Outcome != AlreadyInState || !errors.Is(res.Err, ErrNotLoaded) {
		t.Fatalf("Reload = %v, %v", res.Outcome, res.Err)
	}
	if f.manager.Has("a") {
		t.Fatal("reload must not load")
	}
}

func TestReloaderReloadsInPlace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var inst *reloadingExt
	err := f.catalog.Register("live", func() Extension {
		inst = &reloadingExt{fakeExt: fakeExt{name: "live", commands: []string{"initial"}, journal: f.journal}}
		return inst
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	f.manager.Load(ctx, "live")
	res := f.manager.Reload(ctx, "live")
	if res.Outcome != Succeeded {
		t.Fatalf("Reload = %v, %v", res.Outcome, res.Err)
	}
	if inst.reloads != 1 {
		t.Fatalf("reloads = %d", inst.reloads)
	}
	h, _ := f.manager.Registry().Get("live")
	if h.Extension != Extension(inst) {
		t.Fatal("in-place reload replaced the instance")
	}
	if _, ok := f.tree.Lookup("initial"); ok {
		t.Fatal("old command still present")
	}
	if _, ok := f.tree.Lookup("reloaded"); !ok {
		t.Fatal("new command missing")
	}
}

func TestCommandConflictFailsLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "first", "shared")
	f.registerSimple(t, "second", "shared")
	ctx := context.Background()

	f.manager.Load(ctx, "first")
	res := f.manager.Load(ctx, "second")
	if res.Outcome != Failed || !errors.Is(res.Err, command.ErrCommandConflict) {
		t.Fatalf("Load = %v, %v", res.Outcome, res.Err)
	}
	if f.manager.Has("second") {
		t.Fatal("conflicting extension must not be registered")
	}
	want := []string{"setup:first", "setup:second", "teardown:second"}
	if !reflect.DeepEqual(f.journal.list(), want) {
		t.Fatalf("journal = %v, want %v", f.journal.list(), want)
	}
}

func TestUnloadTeardownErrorStillRemoves(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.register(t, "sticky", func() *fakeExt {
		return &fakeExt{name: "sticky", commands: []string{"s"}, teardownErr: errors.New("close failed")}
	})
	ctx := context.Background()

	f.manager.Load(ctx, "sticky")
	res := f.manager.Unload(ctx, "sticky")
	if res.Outcome != Failed {
		t.Fatalf("Unload = %v, %v", res.Outcome, res.Err)
	}
	if f.manager.Has("sticky") || f.tree.Len() != 0 {
		t.Fatal("extension should be removed despite teardown error")
	}
	if !res.Synced {
		t.Fatal("removal must sync")
	}
}

func TestSetupPanicIsRecovered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.register(t, "panicky", func() *fakeExt { return &fakeExt{name: "panicky", panicSetup: true} })

	res := f.manager.Load(context.Background(), "panicky")
	if res.Outcome != Failed || res.Err == nil {
		t.Fatalf("Load = %v, %v", res.Outcome, res.Err)
	}
	if f.manager.Has("panicky") {
		t.Fatal("panicking extension registered")
	}
}

func TestShutdownUnloadsInReverseOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a")
	f.registerSimple(t, "b")
	ctx := context.Background()

	f.manager.BatchLoad(ctx, []ID{"a", "b"})
	br := f.manager.Shutdown(ctx)
	if len(br.Succeeded()) != 2 || f.manager.Registry().Len() != 0 {
		t.Fatalf("shutdown left %v", f.manager.Loaded())
	}
	want := []string{"setup:a", "setup:b", "teardown:b", "teardown:a"}
	if !reflect.DeepEqual(f.journal.list(), want) {
		t.Fatalf("journal = %v, want %v", f.journal.list(), want)
	}
	if br.Synced || f.syncer.count() != 1 {
		t.Fatalf("shutdown synced: synced=%v count=%d", br.Synced, f.syncer.count())
	}
}

type countingLocker struct {
	mu       sync.Mutex
	locks    int
	unlocks  int
	failNext bool
}

func (l *countingLocker) Lock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return errors.New("lock busy")
	}
	l.locks++
	return nil
}

func (l *countingLocker) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocks++
	return nil
}

func TestLockerWrapsEachCall(t *testing.T) {
	t.Parallel()

	locker := &countingLocker{}
	f := newFixture(t, WithLocker(locker))
	f.registerSimple(t, "a")
	ctx := context.Background()

	f.manager.BatchLoad(ctx, []ID{"a"})
	f.manager.Unload(ctx, "a")
	if locker.locks != 2 || locker.unlocks != 2 {
		t.Fatalf("locks=%d unlocks=%d", locker.locks, locker.unlocks)
	}

	locker.failNext = true
	res := f.manager.Load(ctx, "a")
	if res.Outcome != Failed || f.manager.Has("a") {
		t.Fatalf("Load without lock = %v", res.Outcome)
	}
}

func TestLifecycleEventsArePublished(t *testing.T) {
	t.Parallel()

	broker := pubsub.New()
	defer broker.Close()

	f := newFixture(t, WithBroker(broker))
	f.registerSimple(t, "a")
	ctx := context.Background()

	events := make(chan Event, 4)
	_, err := broker.Subscribe(ctx, TopicLifecycle, func(_ context.Context, msg *pubsub.Message) {
		var ev Event
		if err := msg.Decode(&ev); err == nil {
			events <- ev
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.manager.Load(ctx, "a")

	select {
	case ev := <-events:
		if ev.ID != "a" || ev.Op != OpLoad || ev.Outcome != "succeeded" || ev.Generation == 0 || ev.OpID == "" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no lifecycle event")
	}
}

func TestBatchUnloadSyncsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a", "cmd_a")
	f.registerSimple(t, "b", "cmd_b")
	ctx := context.Background()

	f.manager.BatchLoad(ctx, []ID{"a", "b"})
	br := f.manager.BatchUnload(ctx, []ID{"a", "missing", "b"})

	got := []Outcome{br.Results[0].Outcome, br.Results[1].Outcome, br.Results[2].Outcome}
	want := []Outcome{Succeeded, AlreadyInState, Succeeded}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if f.syncer.count() != 2 {
		t.Fatalf("syncs = %d, want 2 (load batch + unload batch)", f.syncer.count())
	}
	if f.manager.Registry().Len() != 0 || f.tree.Len() != 0 {
		t.Fatalf("left %v loaded and %d commands", f.manager.Loaded(), f.tree.Len())
	}
}

func TestBatchReloadSyncsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerSimple(t, "a", "cmd_a")
	f.registerSimple(t, "c", "cmd_c")
	builds := 0
	f.register(t, "flaky", func() *fakeExt {
		builds++
		e := &fakeExt{name: "flaky", commands: []string{"flaky_cmd"}}
		if builds > 1 {
			e.setupErr = errors.New("broken on reload")
		}
		return e
	})
	ctx := context.Background()

	f.manager.BatchLoad(ctx, []ID{"a", "flaky"})
	br := f.manager.BatchReload(ctx, []ID{"a", "c", "flaky"})

	got := []Outcome{br.Results[0].Outcome, br.Results[1].Outcome, br.Results[2].Outcome}
	want := []Outcome{Succeeded, AlreadyInState, Failed}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if !br.Synced || f.syncer.count() != 2 {
		t.Fatalf("syncs = %d, want 2 (load batch + reload batch)", f.syncer.count())
	}
	if !reflect.DeepEqual(f.manager.Loaded(), []ID{"a"}) {
		t.Fatalf("loaded = %v, want [a]", f.manager.Loaded())
	}
	if _, ok := f.tree.Lookup("cmd_a"); !ok {
		t.Fatal("reloaded command missing")
	}
	if _, ok := f.tree.Lookup("flaky_cmd"); ok {
		t.Fatal("failed reload left commands in the tree")
	}
}

func TestFailedInPlaceReloadTearsDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.catalog.Register("live", func() Extension {
		return &failingReloader{fakeExt: fakeExt{name: "live", commands: []string{"live_cmd"}, journal: f.journal}}
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	f.manager.Load(ctx, "live")
	res := f.manager.Reload(ctx, "live")
	if res.Outcome != Failed {
		t.Fatalf("Reload = %v, %v", res.Outcome, res.Err)
	}
	want := []string{"setup:live", "reload:live", "teardown:live"}
	if !reflect.DeepEqual(f.journal.list(), want) {
		t.Fatalf("journal = %v, want %v", f.journal.list(), want)
	}
	if f.manager.Has("live") {
		t.Fatal("failed reload must leave the extension unloaded")
	}
	if _, ok := f.tree.Lookup("live_cmd"); ok {
		t.Fatal("failed reload left commands in the tree")
	}
}

func TestHostRejectsCommandsAfterSetup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	keeper := &hostKeeper{}
	f.catalog.MustRegister("keeper", func() Extension { return keeper })
	ctx := context.Background()

	if res := f.manager.Load(ctx, "keeper"); res.Outcome != Succeeded {
		t.Fatalf("Load = %v, %v", res.Outcome, res.Err)
	}
	err := keeper.host.AddCommand(command.Descriptor{Name: "late", Handler: noopHandler})
	if !errors.Is(err, errScopeSealed) {
		t.Fatalf("late AddCommand err = %v, want errScopeSealed", err)
	}
	if _, ok := f.tree.Lookup("late"); ok {
		t.Fatal("late command reached the tree")
	}
}
