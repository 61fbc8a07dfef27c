package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cipher-editor/cipher/internal/event"
	"github.com/cipher-editor/cipher/internal/task"
)

// Op names a registry transition that can be scheduled on the loop.
type Op string

// Registry operations.
const (
	OpEnable  Op = "enable"
	OpDisable Op = "disable"
	OpReload  Op = "reload"
)

// HostFactory builds the host context handed to an extension factory.
type HostFactory func(m *Manifest) *Host

// Registry owns every discovered extension instance.
//
// Scan, Start, Enable, Disable, Reload and UnloadAll mutate instance state
// and the event registry; call them on the loop goroutine, or use Schedule
// from anywhere else.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	instances map[string]*Instance
	order     []string

	loader *Loader
	sched  *task.Scheduler
	bus    *event.Bus
	host   HostFactory
	logger zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHostFactory sets how host contexts are built.
func WithHostFactory(fn HostFactory) RegistryOption {
	return func(r *Registry) {
		r.host = fn
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a registry over the extensions directory dir.
func NewRegistry(dir string, loader *Loader, sched *task.Scheduler, bus *event.Bus, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:       dir,
		instances: make(map[string]*Instance),
		loader:    loader,
		sched:     sched,
		bus:       bus,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.host == nil {
		r.host = func(m *Manifest) *Host {
			return &Host{Manifest: m, Logger: r.logger.With().Str("extension", m.Name).Logger(), Scheduler: sched}
		}
	}
	return r
}

// Dir returns the extensions directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Scan reads the extensions directory. Each subfolder with a valid manifest
// becomes a Disabled instance; folders already known get their manifest
// refreshed. Folders whose manifest cannot be read are skipped for this pass.
// It returns the newly discovered instances.
func (r *Registry) Scan() ([]*Instance, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", r.dir, err)
	}

	var found []*Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := validFolder(entry.Name()); err != nil {
			r.logger.Debug().Str("folder", entry.Name()).Msg("skipping folder")
			continue
		}

		dir := filepath.Join(r.dir, entry.Name())
		m, err := LoadManifest(dir)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping extension with unreadable manifest")
			continue
		}

		r.mu.Lock()
		inst, ok := r.instances[m.Dir]
		if !ok {
			inst = newInstance(m)
			r.instances[m.Dir] = inst
			r.order = append(r.order, m.Dir)
			sort.Strings(r.order)
			found = append(found, inst)
		}
		r.mu.Unlock()

		if ok {
			inst.setManifest(m)
		}
	}
	return found, nil
}

// Start scans the directory and loads every extension whose manifest is
// enabled. Load failures are recorded on the instances, not returned.
func (r *Registry) Start(ctx context.Context) error {
	if _, err := r.Scan(); err != nil {
		return err
	}
	for _, inst := range r.Instances() {
		if inst.Status() != StatusDisabled || !inst.Manifest().Enabled {
			continue
		}
		_ = r.load(ctx, inst)
	}
	return nil
}

// Instances returns all instances ordered by folder path.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.order))
	for _, dir := range r.order {
		out = append(out, r.instances[dir])
	}
	return out
}

// Infos returns display snapshots of all instances.
func (r *Registry) Infos() []Info {
	insts := r.Instances()
	out := make([]Info, len(insts))
	for i, inst := range insts {
		out[i] = inst.Info()
	}
	return out
}

// Lookup finds an instance by folder name, then by manifest name.
func (r *Registry) Lookup(name string) (*Instance, bool) {
	insts := r.Instances()
	for _, inst := range insts {
		if inst.Folder() == name {
			return inst, true
		}
	}
	for _, inst := range insts {
		if inst.Name() == name {
			return inst, true
		}
	}
	return nil, false
}

// Enable loads the named extension and persists enabled=true. Enabling an
// Enabled or Loading instance does nothing.
func (r *Registry) Enable(ctx context.Context, name string) error {
	inst, err := r.find(name)
	if err != nil {
		return err
	}
	switch inst.Status() {
	case StatusEnabled, StatusLoading:
		return nil
	}
	if err := r.persist(inst, true); err != nil {
		return err
	}
	return r.load(ctx, inst)
}

// Disable unloads the named extension and persists enabled=false. The unload
// happens even when the manifest cannot be written back; that error is
// returned afterwards. Disabling a Disabled instance does nothing.
func (r *Registry) Disable(ctx context.Context, name string) error {
	inst, err := r.find(name)
	if err != nil {
		return err
	}
	if inst.Status() == StatusDisabled {
		return nil
	}
	r.unload(ctx, inst)
	if err := r.persist(inst, false); err != nil {
		r.logger.Warn().Str("extension", inst.Name()).Err(err).Msg("enabled=false not persisted")
		return err
	}
	return nil
}

// Reload unloads and reloads an Enabled extension in place. If its manifest
// can no longer be read the extension stays unloaded and is marked Failed. On
// any other status Reload behaves like Enable.
func (r *Registry) Reload(ctx context.Context, name string) error {
	inst, err := r.find(name)
	if err != nil {
		return err
	}
	if inst.Status() != StatusEnabled {
		if inst.Status() == StatusFailed {
			r.unload(ctx, inst)
		}
		if err := r.persist(inst, true); err != nil {
			return err
		}
		return r.load(ctx, inst)
	}

	r.unload(ctx, inst)
	if err := r.refresh(inst); err != nil {
		inst.fail(err)
		r.logger.Error().Str("extension", inst.Name()).Err(err).Msg("extension manifest unreadable")
		return err
	}
	return r.load(ctx, inst)
}

// Schedule queues op on the loop. It is safe to call from any goroutine.
func (r *Registry) Schedule(op Op, name string) (*task.PendingTask, error) {
	var fn func(context.Context, string) error
	switch op {
	case OpEnable:
		fn = r.Enable
	case OpDisable:
		fn = r.Disable
	case OpReload:
		fn = r.Reload
	default:
		return nil, fmt.Errorf("unknown extension operation %q", op)
	}
	return r.sched.Schedule("extension."+string(op), func(ctx context.Context) error {
		return fn(ctx, name)
	})
}

// UnloadAll unloads every loaded or failed instance without touching the
// manifests. Used at shutdown.
func (r *Registry) UnloadAll(ctx context.Context) {
	insts := r.Instances()
	for i := len(insts) - 1; i >= 0; i-- {
		if insts[i].Status() != StatusDisabled {
			r.unload(ctx, insts[i])
		}
	}
}

func (r *Registry) find(name string) (*Instance, error) {
	inst, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return inst, nil
}

// refresh re-reads the manifest from disk.
func (r *Registry) refresh(inst *Instance) error {
	m, err := LoadManifest(inst.Manifest().Dir)
	if err != nil {
		return err
	}
	inst.setManifest(m)
	return nil
}

func (r *Registry) persist(inst *Instance, enabled bool) error {
	if err := r.refresh(inst); err != nil {
		return err
	}
	m := inst.Manifest()
	if m.Enabled == enabled {
		return nil
	}
	if err := m.SetEnabled(enabled); err != nil {
		return err
	}
	inst.setManifest(m)
	return nil
}

func (r *Registry) load(ctx context.Context, inst *Instance) error {
	gen := inst.beginLoad()
	m := inst.Manifest()
	host := r.host(m)
	host.bus = r.bus

	if err := r.loader.Load(ctx, inst, host); err != nil {
		inst.fail(err)
		var le *LoadError
		ev := r.logger.Error().Str("extension", m.Name).Err(err)
		if errors.As(err, &le) {
			ev = ev.Str("class", le.Class())
		}
		ev.Msg("extension failed to load")
		return err
	}
	inst.setStatus(StatusEnabled)
	r.logger.Info().Str("extension", m.Name).Int("handlers", len(inst.Handlers())).Msg("extension enabled")

	starter, ok := inst.Extension().(Starter)
	if !ok {
		inst.markReady(gen)
		return nil
	}
	t, err := r.sched.Go("extension.start", starter.Start, func(err error) {
		if err != nil {
			r.logger.Warn().Str("extension", m.Name).Err(err).Msg("extension start failed")
			return
		}
		inst.markReady(gen)
	})
	if err != nil {
		r.logger.Warn().Str("extension", m.Name).Err(err).Msg("extension start not scheduled")
		return nil
	}
	inst.setStartTask(t)
	return nil
}

func (r *Registry) unload(ctx context.Context, inst *Instance) {
	r.loader.Unload(ctx, inst)
	inst.setStatus(StatusDisabled)
	r.logger.Info().Str("extension", inst.Name()).Msg("extension disabled")
}
