package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/cipher-editor/cipher/internal/extension"
)

// EntryFile is the file that provides an extension folder's entry module.
const EntryFile = "init.lua"

// Runtime resolves extension folders holding init.lua.
type Runtime struct {
	cache       *ModuleCache
	callTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	states map[string]*State
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeCallTimeout bounds each call into an extension's Lua code.
func WithRuntimeCallTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		r.callTimeout = d
	}
}

// WithModuleCache shares a module cache between runtimes.
func WithModuleCache(c *ModuleCache) RuntimeOption {
	return func(r *Runtime) {
		r.cache = c
	}
}

// WithRuntimeLogger sets the runtime logger.
func WithRuntimeLogger(l zerolog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = l
	}
}

// NewRuntime creates a Lua runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		callTimeout: DefaultCallTimeout,
		logger:      zerolog.Nop(),
		states:      make(map[string]*State),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewModuleCache()
	}
	return r
}

// Cache returns the module cache.
func (r *Runtime) Cache() *ModuleCache {
	return r.cache
}

// Name implements extension.Runtime.
func (r *Runtime) Name() string { return "lua" }

// Resolve implements extension.Runtime.
func (r *Runtime) Resolve(m *extension.Manifest) (extension.Factory, error) {
	info, err := os.Stat(filepath.Join(m.Dir, EntryFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, extension.ErrEntryNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, extension.ErrEntryNotFound
	}
	m = m.Clone()
	return func(ctx context.Context, host *extension.Host) (any, error) {
		return r.construct(ctx, m, host)
	}, nil
}

// Purge implements extension.Runtime. It drops the compiled modules under
// m's entry name and closes any interpreter still open for it.
func (r *Runtime) Purge(m *extension.Manifest) {
	entry := m.Entry()
	n := r.cache.Purge(entry)

	r.mu.Lock()
	s := r.states[entry]
	delete(r.states, entry)
	r.mu.Unlock()

	if s != nil {
		s.Close()
	}
	r.logger.Debug().Str("entry", entry).Int("modules", n).Msg("purged lua modules")
}

// Live reports whether an interpreter is open for entry.
func (r *Runtime) Live(entry string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[entry]
	return ok && !s.IsClosed()
}

func (r *Runtime) construct(ctx context.Context, m *extension.Manifest, host *extension.Host) (_ any, err error) {
	s := NewState(WithCallTimeout(r.callTimeout))
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	require := r.newRequire(s.L, m)
	s.SetGlobal("require", require)
	gate := newLoopGate(host.Scheduler, s)
	hostTable := newHostTable(s.L, host, gate)

	out, err := s.Call(ctx, require, lua.LString(m.Entry()))
	if err != nil {
		return nil, err
	}
	mod, ok := first(out).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %s", ErrNoRun, m.Entry(), first(out).Type())
	}
	run := mod.RawGetString("run")
	if run.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, m.Entry())
	}

	out, err = s.Call(ctx, run, hostTable)
	if err != nil {
		return nil, err
	}
	obj, ok := first(out).(*lua.LTable)
	if !ok || !s.HasMethod(obj, "events") {
		return nil, fmt.Errorf("%w: %w", extension.ErrNotExtension, ErrNoEvents)
	}

	ext := &Extension{
		name:   m.Name,
		state:  s,
		obj:    obj,
		sched:  host.Scheduler,
		logger: host.Logger,
	}
	if err := ext.collectEvents(ctx); err != nil {
		return nil, err
	}

	r.track(m.Entry(), s)
	if s.HasMethod(obj, "start") {
		return &StartingExtension{Extension: ext}, nil
	}
	return ext, nil
}

func (r *Runtime) track(entry string, s *State) {
	r.mu.Lock()
	old := r.states[entry]
	r.states[entry] = s
	r.mu.Unlock()
	if old != nil && old != s {
		old.Close()
	}
}

// newRequire builds the require function for one extension. Only the
// extension's own modules and the opened standard libraries are reachable.
func (r *Runtime) newRequire(L *lua.LState, m *extension.Manifest) *lua.LFunction {
	loaded := make(map[string]lua.LValue)
	loading := make(map[string]bool)

	return L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		switch name {
		case lua.StringLibName, lua.TabLibName, lua.MathLibName:
			L.Push(L.GetGlobal(name))
			return 1
		}
		if v, ok := loaded[name]; ok {
			L.Push(v)
			return 1
		}
		if loading[name] {
			L.RaiseError("module %q required recursively", name)
			return 0
		}

		path, err := modulePath(m, name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		proto, err := r.cache.Load(name, path)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}

		loading[name] = true
		defer delete(loading, name)

		L.Push(L.NewFunctionFromProto(proto))
		L.Push(lua.LString(name))
		L.Call(1, 1)
		v := L.Get(-1)
		L.Pop(1)
		if v == lua.LNil {
			v = lua.LTrue
		}
		loaded[name] = v
		L.Push(v)
		return 1
	})
}

// modulePath maps a module name inside m to its source file:
// "extension.<folder>" is <dir>/init.lua and "extension.<folder>.a.b" is
// <dir>/a/b.lua or <dir>/a/b/init.lua.
func modulePath(m *extension.Manifest, name string) (string, error) {
	entry := m.Entry()
	if name == entry {
		return filepath.Join(m.Dir, EntryFile), nil
	}
	if !strings.HasPrefix(name, entry+".") {
		return "", fmt.Errorf("%w: %s is not part of %s", ErrModuleNotFound, name, entry)
	}
	parts := strings.Split(strings.TrimPrefix(name, entry+"."), ".")
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, `/\`) {
			return "", fmt.Errorf("%w: invalid module name %s", ErrModuleNotFound, name)
		}
	}
	base := filepath.Join(append([]string{m.Dir}, parts...)...)
	for _, candidate := range []string{base + ".lua", filepath.Join(base, EntryFile)} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
}

func first(values []lua.LValue) lua.LValue {
	if len(values) == 0 {
		return lua.LNil
	}
	return values[0]
}
