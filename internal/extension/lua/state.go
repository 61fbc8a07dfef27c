// Package lua runs extensions written in Lua on gopher-lua.
//
// An extension folder holding init.lua is loaded as the module
// "extension.<folder>". The module returns a table with a run function:
//
//	local M = {}
//
//	function M.run(host)
//	  local ext = {}
//	  function ext:events()
//	    return {
//	      { name = "onTabOpened", handler = function(win, path) host.log(path) end },
//	    }
//	  end
//	  function ext:teardown() end
//	  return ext
//	end
//
//	return M
//
// Each load gets its own sandboxed interpreter. Compiled chunks are shared
// through a ModuleCache that reload purges, so edited sources are picked up.
package lua

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds a single call into Lua.
const DefaultCallTimeout = 5 * time.Second

// State wraps a gopher-lua interpreter. gopher-lua states are not goroutine
// safe; every entry point here takes the state mutex.
type State struct {
	L *lua.LState

	mu          sync.Mutex
	callTimeout time.Duration
	closed      bool

	// away is the context of a call running off the task loop; nil otherwise.
	// Guarded by mu.
	away context.Context
}

// StateOption configures a State.
type StateOption func(*State)

// WithCallTimeout bounds each call into Lua. Zero disables the bound.
func WithCallTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.callTimeout = d
	}
}

// NewState creates a sandboxed interpreter.
func NewState(opts ...StateOption) *State {
	s := &State{callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	s.L = L
	return s
}

// openSafeLibraries opens base, table, string and math, and removes the base
// functions that load code from disk or strings.
func openSafeLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// Call calls fn with args and returns its results. It waits while another
// goroutine is running code in the interpreter.
func (s *State) Call(ctx context.Context, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call(ctx, fn, args)
}

// CallWith is Call with arguments built once the interpreter is held.
func (s *State) CallWith(ctx context.Context, fn lua.LValue, args func(L *lua.LState) []lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var largs []lua.LValue
	if args != nil && !s.closed {
		largs = args(s.L)
	}
	return s.call(ctx, fn, largs)
}

// TryCall is CallWith without the wait: when the interpreter is busy it returns
// ok == false and calls nothing.
func (s *State) TryCall(ctx context.Context, fn lua.LValue, args func(L *lua.LState) []lua.LValue) (results []lua.LValue, ok bool, err error) {
	if !s.mu.TryLock() {
		return nil, false, nil
	}
	defer s.mu.Unlock()

	var largs []lua.LValue
	if args != nil && !s.closed {
		largs = args(s.L)
	}
	results, err = s.call(ctx, fn, largs)
	return results, true, err
}

func (s *State) call(ctx context.Context, fn lua.LValue, args []lua.LValue) ([]lua.LValue, error) {
	if s.closed {
		return nil, ErrStateClosed
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("cannot call a %s value", fn.Type())
	}

	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		s.L.SetTop(top)
		return nil, callErr
	}

	n := s.L.GetTop() - top
	results := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.SetTop(top)
	return results, nil
}

// CallMethod calls obj[name](obj, args...). A missing method is not an error;
// ok reports whether it existed.
func (s *State) CallMethod(ctx context.Context, obj *lua.LTable, name string, args ...lua.LValue) (results []lua.LValue, ok bool, err error) {
	fn := s.field(obj, name)
	if fn.Type() != lua.LTFunction {
		return nil, false, nil
	}
	results, err = s.Call(ctx, fn, append([]lua.LValue{obj}, args...)...)
	return results, true, err
}

// CallMethodAway is CallMethod for a caller that is not the task loop. While
// it runs, Away returns ctx.
func (s *State) CallMethodAway(ctx context.Context, obj *lua.LTable, name string) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	fn := s.L.GetField(obj, name)
	if fn.Type() != lua.LTFunction {
		return false, nil
	}
	s.away = ctx
	defer func() { s.away = nil }()
	_, err = s.call(ctx, fn, []lua.LValue{obj})
	return true, err
}

// Away returns the context of the running CallMethodAway, or nil when the
// running call came from the task loop. Only Go functions invoked by Lua may
// call it.
func (s *State) Away() context.Context {
	return s.away
}

// HasMethod reports whether obj[name] is a function.
func (s *State) HasMethod(obj *lua.LTable, name string) bool {
	return s.field(obj, name).Type() == lua.LTFunction
}

func (s *State) field(obj *lua.LTable, name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lua.LNil
	}
	return s.L.GetField(obj, name)
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.L.SetGlobal(name, value)
	}
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the interpreter. It is safe to call more than once.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.L.Close()
	s.closed = true
}
