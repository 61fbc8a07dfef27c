package lua

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/cipher-editor/cipher/internal/extension"
	"github.com/cipher-editor/cipher/internal/task"
)

// Extension is a loaded Lua extension object: the table returned by
// run(host).
type Extension struct {
	name   string
	state  *State
	obj    *lua.LTable
	specs  []extension.EventSpec
	sched  *task.Scheduler
	logger zerolog.Logger

	// held are handler invocations that arrived while start() had the
	// interpreter. They run in arrival order once it is released.
	mu   sync.Mutex
	held []func()
}

// Events implements extension.Extension.
func (e *Extension) Events() []extension.EventSpec {
	return e.specs
}

// Teardown calls the object's teardown method, if any, and closes the
// interpreter. Held invocations are dropped.
func (e *Extension) Teardown(ctx context.Context) error {
	defer e.state.Close()

	e.mu.Lock()
	dropped := len(e.held)
	e.held = nil
	e.mu.Unlock()
	if dropped > 0 {
		e.logger.Debug().Int("dropped", dropped).Msg("dropping held handler calls")
	}

	_, _, err := e.state.CallMethod(ctx, e.obj, "teardown")
	return err
}

func (e *Extension) String() string {
	return "lua:" + e.name
}

// collectEvents calls events() once and converts its result. Each entry is a
// table {name = string, handler = function, on_error = function?}.
func (e *Extension) collectEvents(ctx context.Context) error {
	out, _, err := e.state.CallMethod(ctx, e.obj, "events")
	if err != nil {
		return err
	}
	list, ok := first(out).(*lua.LTable)
	if !ok {
		if first(out) == lua.LNil {
			return nil
		}
		return fmt.Errorf("events() returned %s, want a table", first(out).Type())
	}

	for i := 1; i <= list.Len(); i++ {
		entry, ok := list.RawGetInt(i).(*lua.LTable)
		if !ok {
			return fmt.Errorf("events()[%d]: want a table", i)
		}
		name, ok := entry.RawGetString("name").(lua.LString)
		if !ok || name == "" {
			return fmt.Errorf("events()[%d]: missing name", i)
		}
		handler, ok := entry.RawGetString("handler").(*lua.LFunction)
		if !ok {
			return fmt.Errorf("events()[%d] %s: missing handler", i, name)
		}
		onErr, _ := entry.RawGetString("on_error").(*lua.LFunction)
		spec := extension.EventSpec{Name: string(name), Handler: e.handler(string(name), handler, onErr)}
		if onErr != nil {
			spec.OnError = e.errorHandler(onErr)
		}
		e.specs = append(e.specs, spec)
	}
	return nil
}

// handler runs fn on the loop. If start() holds the interpreter the call is
// held instead of waiting, and runs with its error callback once start()
// returns.
func (e *Extension) handler(event string, fn, onErr *lua.LFunction) func(context.Context, ...any) error {
	return func(ctx context.Context, args ...any) error {
		if !e.holding() {
			_, ok, err := e.state.TryCall(ctx, fn, luaArgs(nil, args))
			if ok {
				return err
			}
		}
		e.hold(func() { e.runHeld(event, fn, onErr, args) })
		return nil
	}
}

// errorHandler calls fn with the error text and the handler's arguments.
// Like handler, it holds the call while start() has the interpreter.
func (e *Extension) errorHandler(fn *lua.LFunction) func(context.Context, error, ...any) error {
	return func(ctx context.Context, cause error, args ...any) error {
		build := luaArgs([]lua.LValue{lua.LString(cause.Error())}, args)
		if !e.holding() {
			_, ok, err := e.state.TryCall(ctx, fn, build)
			if ok {
				return err
			}
		}
		e.hold(func() {
			if _, err := e.state.CallWith(context.Background(), fn, build); err != nil {
				e.logger.Error().Err(err).AnErr("cause", cause).Msg("event error callback failed")
			}
		})
		return nil
	}
}

// luaArgs converts args on whichever goroutine holds the interpreter.
func luaArgs(prefix []lua.LValue, args []any) func(L *lua.LState) []lua.LValue {
	return func(L *lua.LState) []lua.LValue {
		return append(prefix, ToLuaArgs(L, args)...)
	}
}

func (e *Extension) holding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.held) > 0
}

func (e *Extension) hold(fn func()) {
	e.mu.Lock()
	e.held = append(e.held, fn)
	e.mu.Unlock()
}

// release runs held invocations on the loop.
func (e *Extension) release() {
	if e.sched == nil {
		e.runHeldCalls()
		return
	}
	if err := e.sched.Post(e.runHeldCalls); err != nil {
		e.logger.Debug().Err(err).Msg("held handler calls not run")
	}
}

func (e *Extension) runHeldCalls() {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

// runHeld mirrors the bus: handler, then its error callback, then a log line.
func (e *Extension) runHeld(event string, fn, onErr *lua.LFunction, args []any) {
	ctx := context.Background()
	_, err := e.state.CallWith(ctx, fn, luaArgs(nil, args))
	if err == nil {
		return
	}
	if onErr != nil {
		_, cbErr := e.state.CallWith(ctx, onErr, luaArgs([]lua.LValue{lua.LString(err.Error())}, args))
		if cbErr == nil {
			return
		}
		e.logger.Error().Str("event", event).Err(cbErr).Msg("event error callback failed")
	}
	e.logger.Error().Str("event", event).Err(err).Msg("event handler failed")
}

// StartingExtension is a Lua extension whose object defines start(). It is
// marked ready once start returns without error.
type StartingExtension struct {
	*Extension
}

// Start implements extension.Starter. It runs off the loop; host calls made
// from start() are handed back to the loop, and handler calls that arrive
// meanwhile are held until it returns.
func (e *StartingExtension) Start(ctx context.Context) error {
	_, err := e.state.CallMethodAway(ctx, e.obj, "start")
	e.release()
	return err
}
