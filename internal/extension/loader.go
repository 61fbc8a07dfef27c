package extension

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/cipher-editor/cipher/internal/event"
)

// DefaultTeardownTimeout bounds how long unload waits for Teardown.
const DefaultTeardownTimeout = 5 * time.Second

// Loader turns a manifest into a live extension wired into the bus, and
// reverses the process on unload.
type Loader struct {
	runtimes        []Runtime
	bus             *event.Bus
	logger          zerolog.Logger
	teardownTimeout time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRuntime appends a runtime to the resolution chain. Runtimes are tried
// in the order they were added.
func WithRuntime(r Runtime) LoaderOption {
	return func(l *Loader) {
		l.runtimes = append(l.runtimes, r)
	}
}

// WithTeardownTimeout bounds the wait for Teardown during unload.
func WithTeardownTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.teardownTimeout = d
		}
	}
}

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(log zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = log
	}
}

// NewLoader creates a loader that registers handlers on bus.
func NewLoader(bus *event.Bus, opts ...LoaderOption) *Loader {
	l := &Loader{
		bus:             bus,
		logger:          zerolog.Nop(),
		teardownTimeout: DefaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve finds the factory for m's entry point.
func (l *Loader) Resolve(m *Manifest) (Factory, Runtime, error) {
	for _, rt := range l.runtimes {
		f, err := rt.Resolve(m)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, rt, err
		}
		return f, rt, nil
	}
	return nil, nil, ErrEntryNotFound
}

// Load constructs the extension for inst and registers its handlers. On any
// failure nothing stays registered and a *LoadError is returned.
func (l *Loader) Load(ctx context.Context, inst *Instance, host *Host) error {
	m := inst.Manifest()
	fail := func(err error) error {
		l.purge(m)
		return &LoadError{Extension: m.Name, Entry: m.Entry(), Err: err}
	}

	factory, rt, err := l.Resolve(m)
	if err != nil {
		return fail(err)
	}
	l.logger.Debug().Str("extension", m.Name).Str("runtime", rt.Name()).Msg("constructing extension")

	var obj any
	err = protect("construct", func() error {
		var cerr error
		obj, cerr = factory(ctx, host)
		return cerr
	})
	if err != nil {
		return fail(err)
	}

	ext, ok := obj.(Extension)
	if !ok {
		return fail(ErrNotExtension)
	}

	var specs []EventSpec
	if err := protect("events", func() error {
		specs = ext.Events()
		return nil
	}); err != nil {
		l.teardown(ctx, m, ext)
		return fail(err)
	}

	handlers := make([]*event.Handler, 0, len(specs))
	for _, spec := range specs {
		h, err := l.bus.Register(spec.Name, spec.Handler, inst, spec.OnError)
		if err != nil {
			l.bus.Retract(inst)
			l.teardown(ctx, m, ext)
			return fail(err)
		}
		handlers = append(handlers, h)
	}

	inst.attach(ext, handlers)
	return nil
}

// Unload tears down the live object, retracts its handlers, purges cached
// module state and drops the handle, strictly in that order.
func (l *Loader) Unload(ctx context.Context, inst *Instance) {
	m := inst.Manifest()
	if start := inst.startHandle(); start != nil {
		start.Cancel()
	}
	if ext := inst.Extension(); ext != nil {
		l.teardown(ctx, m, ext)
	}
	n := l.bus.Retract(inst)
	l.purge(m)
	inst.detach()

	l.logger.Debug().Str("extension", m.Name).Int("handlers", n).Msg("extension unloaded")
}

func (l *Loader) teardown(ctx context.Context, m *Manifest, ext Extension) {
	tctx, cancel := context.WithTimeout(ctx, l.teardownTimeout)
	defer cancel()

	err := protect("teardown", func() error { return ext.Teardown(tctx) })
	if err != nil {
		l.logger.Warn().Str("extension", m.Name).Err(err).Msg("extension teardown failed")
	}
}

func (l *Loader) purge(m *Manifest) {
	for _, rt := range l.runtimes {
		rt.Purge(m)
	}
}

func protect(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Op: op, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}
