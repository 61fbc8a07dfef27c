package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipher-editor/cipher/internal/event"
	"github.com/cipher-editor/cipher/internal/task"
)

// journal records lifecycle calls across goroutines.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type testExtension struct {
	gen     int64
	journal *journal
	events  []string
}

func (e *testExtension) Events() []EventSpec {
	e.journal.add("events:%d", e.gen)
	specs := make([]EventSpec, 0, len(e.events))
	for _, name := range e.events {
		name := name
		specs = append(specs, EventSpec{
			Name: name,
			Handler: func(context.Context, ...any) error {
				e.journal.add("%s:%d", name, e.gen)
				return nil
			},
		})
	}
	return specs
}

func (e *testExtension) Teardown(context.Context) error {
	e.journal.add("teardown:%d", e.gen)
	return nil
}

// startingExtension completes its initialization when release is closed.
type startingExtension struct {
	testExtension
	release chan struct{}
}

func (e *startingExtension) Start(ctx context.Context) error {
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fixture struct {
	root     string
	sched    *task.Scheduler
	bus      *event.Bus
	builtins *Builtins
	reg      *Registry
	journal  *journal
	gen      atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root:     t.TempDir(),
		sched:    task.New(),
		builtins: NewBuiltins(),
		journal:  &journal{},
	}
	f.bus = event.NewBus(f.sched)
	loader := NewLoader(f.bus, WithRuntime(f.builtins), WithTeardownTimeout(time.Second))
	f.reg = NewRegistry(f.root, loader, f.sched, f.bus)
	return f
}

// addExtension creates a folder with a manifest and a builtin factory that
// contributes handlers for events.
func (f *fixture) addExtension(t *testing.T, folder string, enabled bool, events ...string) {
	t.Helper()
	writeManifest(t, filepath.Join(f.root, folder), fmt.Sprintf(`{"name": %q, "enabled": %t}`, folder, enabled))
	f.builtins.Register(EntryPrefix+folder, func(context.Context, *Host) (any, error) {
		gen := f.gen.Add(1)
		f.journal.add("construct:%d", gen)
		return &testExtension{gen: gen, journal: f.journal, events: events}, nil
	})
}

func (f *fixture) instance(t *testing.T, name string) *Instance {
	t.Helper()
	inst, ok := f.reg.Lookup(name)
	require.True(t, ok, name)
	return inst
}

// requireConsistent checks that an instance's handlers are registered exactly
// when it is enabled.
func (f *fixture) requireConsistent(t *testing.T, inst *Instance) {
	t.Helper()
	owned := f.bus.Registry().OwnedBy(inst)
	if inst.Status() == StatusEnabled {
		require.Equal(t, inst.Handlers(), owned)
		return
	}
	require.Empty(t, owned)
	require.Empty(t, inst.Handlers())
}

func TestStartLoadsEnabledExtensions(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", true, "onSave", "onClose")
	f.addExtension(t, "beta", false, "onSave")
	writeManifest(t, filepath.Join(f.root, "broken"), `{"enabled": true`)
	writeManifest(t, filepath.Join(f.root, ".hidden"), `{"name": "hidden"}`)

	require.NoError(t, f.reg.Start(context.Background()))

	infos := f.reg.Infos()
	require.Len(t, infos, 2)
	require.Equal(t, "alpha", infos[0].Name)
	require.Equal(t, StatusEnabled, infos[0].Status)
	require.True(t, infos[0].Ready)
	require.Equal(t, StatusDisabled, infos[1].Status)

	alpha := f.instance(t, "alpha")
	require.Len(t, alpha.Handlers(), 2)
	f.requireConsistent(t, alpha)
	f.requireConsistent(t, f.instance(t, "beta"))
}

func TestScanMissingDirectory(t *testing.T) {
	f := newFixture(t)
	f.reg.dir = filepath.Join(f.root, "missing")

	found, err := f.reg.Scan()
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestRescanKeepsInstances(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", false)

	found, err := f.reg.Scan()
	require.NoError(t, err)
	require.Len(t, found, 1)

	writeManifest(t, filepath.Join(f.root, "alpha"), `{"name": "Alpha Renamed"}`)
	found, err = f.reg.Scan()
	require.NoError(t, err)
	require.Empty(t, found)
	require.Len(t, f.reg.Instances(), 1)
	require.Equal(t, "Alpha Renamed", f.reg.Instances()[0].Name())
}

func TestEnableDisableIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", false, "onSave")
	require.NoError(t, f.reg.Start(context.Background()))
	ctx := context.Background()
	inst := f.instance(t, "alpha")

	require.NoError(t, f.reg.Disable(ctx, "alpha"))
	require.Equal(t, StatusDisabled, inst.Status())
	f.requireConsistent(t, inst)

	require.NoError(t, f.reg.Enable(ctx, "alpha"))
	handlers := inst.Handlers()
	require.NoError(t, f.reg.Enable(ctx, "alpha"))
	require.Equal(t, StatusEnabled, inst.Status())
	require.Equal(t, handlers, inst.Handlers())
	require.Equal(t, 1, f.bus.Registry().Count("onSave"))
	f.requireConsistent(t, inst)

	require.NoError(t, f.reg.Disable(ctx, "alpha"))
	require.NoError(t, f.reg.Disable(ctx, "alpha"))
	require.Equal(t, StatusDisabled, inst.Status())
	require.Equal(t, 0, f.bus.Registry().Count("onSave"))
	f.requireConsistent(t, inst)

	require.Equal(t, []string{"construct:1", "events:1", "teardown:1"}, f.journal.list())
}

func TestEnableDisablePersistManifest(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", false)
	require.NoError(t, f.reg.Start(context.Background()))
	ctx := context.Background()
	dir := filepath.Join(f.root, "alpha")

	var seen []bool
	steps := []func() error{
		func() error { return f.reg.Enable(ctx, "alpha") },
		func() error { return f.reg.Disable(ctx, "alpha") },
		func() error { return f.reg.Enable(ctx, "alpha") },
	}
	for _, step := range steps {
		require.NoError(t, step())
		m, err := LoadManifest(dir)
		require.NoError(t, err)
		seen = append(seen, m.Enabled)
	}
	require.Equal(t, []bool{true, false, true}, seen)
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		factory Factory
		want    error
	}{
		{
			name:    "factory error",
			factory: func(context.Context, *Host) (any, error) { return nil, errors.New("no remote") },
		},
		{
			name:    "factory panic",
			factory: func(context.Context, *Host) (any, error) { panic("bad init") },
		},
		{
			name:    "wrong interface",
			factory: func(context.Context, *Host) (any, error) { return struct{}{}, nil },
			want:    ErrNotExtension,
		},
		{
			name: "no entry",
			want: ErrEntryNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			writeManifest(t, filepath.Join(f.root, "faulty"), `{"name": "faulty"}`)
			if tt.factory != nil {
				f.builtins.Register("extension.faulty", tt.factory)
			}
			require.NoError(t, f.reg.Start(context.Background()))

			err := f.reg.Enable(context.Background(), "faulty")
			var le *LoadError
			require.ErrorAs(t, err, &le)
			require.Equal(t, "faulty", le.Extension)
			require.Equal(t, "extension.faulty", le.Entry)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
			}

			inst := f.instance(t, "faulty")
			require.Equal(t, StatusFailed, inst.Status())
			require.Equal(t, err, inst.LastError())
			require.NotEmpty(t, inst.Info().Error)
			f.requireConsistent(t, inst)

			require.NoError(t, f.reg.Disable(context.Background(), "faulty"))
			require.Equal(t, StatusDisabled, inst.Status())
		})
	}
}

func TestReloadTearsDownBeforeRegistering(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", true, "onSave")
	require.NoError(t, f.reg.Start(context.Background()))
	inst := f.instance(t, "alpha")
	old := inst.Handlers()

	// An invocation queued before the reload must not reach the old object.
	f.bus.Dispatch("onSave")
	require.Equal(t, 1, f.sched.RunPending())

	require.NoError(t, f.reg.Reload(context.Background(), "alpha"))
	f.sched.Drain()

	require.Equal(t, StatusEnabled, inst.Status())
	require.NotEqual(t, old, inst.Handlers())
	for _, h := range old {
		require.False(t, h.IsActive())
	}
	f.requireConsistent(t, inst)

	f.bus.Dispatch("onSave")
	f.sched.Drain()

	require.Equal(t, []string{
		"construct:1", "events:1",
		"teardown:1",
		"construct:2", "events:2",
		"onSave:2",
	}, f.journal.list())
}

func TestReloadOnDisabledEnables(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", false, "onSave")
	require.NoError(t, f.reg.Start(context.Background()))

	require.NoError(t, f.reg.Reload(context.Background(), "alpha"))

	inst := f.instance(t, "alpha")
	require.Equal(t, StatusEnabled, inst.Status())
	require.True(t, inst.Manifest().Enabled)
	require.Equal(t, []string{"construct:1", "events:1"}, f.journal.list())
}

func TestDisableUnloadsWhenManifestIsGone(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", true, "onSave")
	require.NoError(t, f.reg.Start(context.Background()))
	inst := f.instance(t, "alpha")
	require.NoError(t, os.Remove(filepath.Join(f.root, "alpha", ManifestFile)))

	require.Error(t, f.reg.Disable(context.Background(), "alpha"))
	require.Equal(t, StatusDisabled, inst.Status())
	require.Equal(t, 0, f.bus.Registry().Count("onSave"))
	f.requireConsistent(t, inst)

	f.bus.Dispatch("onSave")
	f.sched.Drain()
	require.Equal(t, []string{"construct:1", "events:1", "teardown:1"}, f.journal.list())
}

func TestReloadWithBrokenManifestFails(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", true, "onSave")
	require.NoError(t, f.reg.Start(context.Background()))
	inst := f.instance(t, "alpha")
	writeManifest(t, filepath.Join(f.root, "alpha"), `{"name": `)

	require.Error(t, f.reg.Reload(context.Background(), "alpha"))
	require.Equal(t, StatusFailed, inst.Status())
	require.Error(t, inst.LastError())
	require.Equal(t, 0, f.bus.Registry().Count("onSave"))
	f.requireConsistent(t, inst)
	require.Equal(t, []string{"construct:1", "events:1", "teardown:1"}, f.journal.list())
}

func TestUnknownExtension(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.reg.Enable(context.Background(), "ghost"), ErrNotFound)
	require.ErrorIs(t, f.reg.Disable(context.Background(), "ghost"), ErrNotFound)
	require.ErrorIs(t, f.reg.Reload(context.Background(), "ghost"), ErrNotFound)

	_, err := f.reg.Schedule(Op("explode"), "ghost")
	require.Error(t, err)
}

func TestStarterMarksReadyAfterStart(t *testing.T) {
	f := newFixture(t)
	writeManifest(t, filepath.Join(f.root, "remote"), `{"name": "remote", "enabled": true}`)
	release := make(chan struct{})
	f.builtins.Register("extension.remote", func(context.Context, *Host) (any, error) {
		return &startingExtension{
			testExtension: testExtension{gen: 1, journal: f.journal, events: []string{"onSave"}},
			release:       release,
		}, nil
	})

	require.NoError(t, f.reg.Start(context.Background()))
	inst := f.instance(t, "remote")
	require.Equal(t, StatusEnabled, inst.Status())
	require.False(t, inst.Ready())
	f.requireConsistent(t, inst)

	close(release)
	require.Eventually(t, func() bool {
		f.sched.RunPending()
		return inst.Ready()
	}, time.Second, time.Millisecond)
}

func TestDisableCancelsPendingStart(t *testing.T) {
	f := newFixture(t)
	writeManifest(t, filepath.Join(f.root, "remote"), `{"name": "remote", "enabled": true}`)
	f.builtins.Register("extension.remote", func(context.Context, *Host) (any, error) {
		return &startingExtension{
			testExtension: testExtension{gen: 1, journal: f.journal},
			release:       make(chan struct{}),
		}, nil
	})
	require.NoError(t, f.reg.Start(context.Background()))

	require.NoError(t, f.reg.Disable(context.Background(), "remote"))
	require.Eventually(t, func() bool { return f.sched.Pending() == 0 }, time.Second, time.Millisecond)
	f.sched.Drain()
	require.False(t, f.instance(t, "remote").Ready())
}

func TestHostEmitReachesBus(t *testing.T) {
	f := newFixture(t)
	writeManifest(t, filepath.Join(f.root, "emitter"), `{"name": "emitter", "enabled": true}`)
	var host *Host
	f.builtins.Register("extension.emitter", func(_ context.Context, h *Host) (any, error) {
		host = h
		return &testExtension{journal: f.journal}, nil
	})
	f.addExtension(t, "listener", true, "custom")
	require.NoError(t, f.reg.Start(context.Background()))

	require.NotNil(t, host)
	require.Equal(t, "emitter", host.Name())
	host.Emit("custom", 1)
	f.sched.Drain()

	require.Contains(t, f.journal.list(), "custom:1")
}

func TestScheduleRunsOnLoop(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", false, "onSave")
	require.NoError(t, f.reg.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.sched.Run(ctx) }()

	p, err := f.reg.Schedule(OpEnable, "alpha")
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))
	require.Equal(t, StatusEnabled, f.instance(t, "alpha").Status())

	p, err = f.reg.Schedule(OpReload, "alpha")
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	p, err = f.reg.Schedule(OpDisable, "alpha")
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))
	require.Equal(t, StatusDisabled, f.instance(t, "alpha").Status())
}

func TestUnloadAllKeepsManifests(t *testing.T) {
	f := newFixture(t)
	f.addExtension(t, "alpha", true, "onSave")
	f.addExtension(t, "beta", true, "onClose")
	require.NoError(t, f.reg.Start(context.Background()))

	f.reg.UnloadAll(context.Background())

	for _, inst := range f.reg.Instances() {
		require.Equal(t, StatusDisabled, inst.Status())
		require.True(t, inst.Manifest().Enabled)
		f.requireConsistent(t, inst)
	}
	require.Equal(t, 0, f.bus.Registry().Len())
}
