// Package app wires cipher together: it decides whether this process is the
// coordinator or a client, builds the shared Context, runs the loop and
// shuts everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cipher-editor/cipher/internal/config"
	"github.com/cipher-editor/cipher/internal/event"
	"github.com/cipher-editor/cipher/internal/extension"
	"github.com/cipher-editor/cipher/internal/extension/lua"
	"github.com/cipher-editor/cipher/internal/ipc"
	"github.com/cipher-editor/cipher/internal/task"
	"github.com/cipher-editor/cipher/internal/workbench"
)

// EventReady is dispatched once the first launch has been routed and enabled
// extensions are loaded.
const EventReady = "onReady"

// Context holds the components built once at startup. It is passed
// explicitly; nothing in cipher reaches for package-level state.
type Context struct {
	DataDir   string
	Config    *config.Config
	Logger    zerolog.Logger
	Scheduler *task.Scheduler
	Bus       *event.Bus
	Workbench *workbench.Workbench
	Registry  *extension.Registry
	Builtins  *extension.Builtins
	Lua       *lua.Runtime
}

// Options configures an Application.
type Options struct {
	// Config is the resolved configuration. Required.
	Config *config.Config

	// Logger is the root logger.
	Logger zerolog.Logger

	// Argv is the launch argv, program name first.
	Argv []string

	// Processes counts running cipher processes. Defaults to the system list.
	Processes ipc.ProcessLister

	// ExecName is the executable name to count. Defaults to this binary.
	ExecName string

	// Builtins holds extensions compiled into the binary. May be nil.
	Builtins *extension.Builtins

	// Stderr receives user-facing failures. Defaults to os.Stderr.
	Stderr io.Writer

	// Exit terminates the process after a crash. Defaults to os.Exit.
	Exit func(code int)
}

func (o Options) withDefaults() Options {
	if o.Processes == nil {
		o.Processes = ipc.SystemProcesses{}
	}
	if o.ExecName == "" {
		o.ExecName = ipc.ExecutableName()
	}
	if o.Builtins == nil {
		o.Builtins = extension.NewBuiltins()
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Exit == nil {
		o.Exit = os.Exit
	}
	return o
}

// Launch runs cipher: as a client forwarding argv when another instance is
// running, otherwise as the coordinator until ctx is done or the last window
// closes. A client that finds nobody listening becomes the coordinator
// itself. The result maps to an exit code with ExitCode.
func Launch(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	logger := opts.Logger

	role, err := ipc.DetectRole(ctx, opts.Processes, opts.ExecName)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot list processes, assuming first instance")
	}
	if role == ipc.RoleClient {
		logger.Debug().Msg("another instance is running, forwarding arguments")
		resp, err := send(ctx, opts)
		var de *ipc.DialError
		switch {
		case err == nil:
			return exitFor(resp, opts.Stderr)
		case !errors.As(err, &de):
			fmt.Fprintf(opts.Stderr, "cannot reach running instance: %v\n", err)
			return &ExitError{Code: 1, Err: err}
		}
		// The other process may be a launch racing this one, with no
		// coordinator yet. Try to become it; Listen settles the race.
		logger.Info().Err(err).Msg("no instance answered, starting as first instance")
	}

	a, err := New(opts)
	if err != nil {
		return err
	}
	defer Guard(logger, a.crashCleanup, opts.Exit)

	if err := a.Listen(); err != nil {
		a.Close()
		var pie *ipc.PortInUseError
		if errors.As(err, &pie) {
			// A concurrently launched first instance may have won the bind.
			resp, ferr := send(ctx, opts)
			if ferr == nil {
				logger.Debug().Msg("port held by a running instance, acting as client")
				return exitFor(resp, opts.Stderr)
			}
			fmt.Fprintln(opts.Stderr, pie.Error())
		} else {
			fmt.Fprintln(opts.Stderr, err)
		}
		return &ExitError{Code: 1, Err: err}
	}
	return a.Run(ctx)
}

// Forward sends argv to the running instance and maps its verdict to an
// error: nil on success, *ExitError otherwise.
func Forward(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	resp, err := send(ctx, opts)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "cannot reach running instance: %v\n", err)
		return &ExitError{Code: 1, Err: err}
	}
	return exitFor(resp, opts.Stderr)
}

func send(ctx context.Context, opts Options) (ipc.Response, error) {
	cfg := opts.Config
	client := ipc.NewClient(cfg.IPC.Host, cfg.IPC.Port)
	client.DialTimeout = cfg.IPC.DialTimeout.D()
	client.ResponseTimeout = cfg.IPC.ResponseTimeout.D()
	return client.Send(ctx, AbsArgv(opts.Argv))
}

func exitFor(resp ipc.Response, stderr io.Writer) error {
	if resp.Success() {
		return nil
	}
	if resp.Message != "" {
		fmt.Fprintln(stderr, resp.Message)
	}
	return &ExitError{Code: 1, Err: fmt.Errorf("server answered %d: %s", resp.Code, resp.Message)}
}

// Application is the coordinator process.
type Application struct {
	ctx     *Context
	opts    Options
	server  *ipc.Server
	router  *Router
	watcher *extension.Watcher
	logger  zerolog.Logger

	initOrder []string
	running   atomic.Bool
	quit      chan struct{}
	quitOnce  sync.Once
}

// New builds the application context without binding anything.
func New(opts Options) (*Application, error) {
	opts = opts.withDefaults()
	if opts.Config == nil {
		return nil, NewComponentError("config", "missing", errors.New("no configuration"))
	}
	a := &Application{
		opts:   opts,
		logger: Component(opts.Logger, "app"),
		quit:   make(chan struct{}),
	}
	if err := a.bootstrap(); err != nil {
		return nil, err
	}
	return a, nil
}

// Context returns the shared application context.
func (a *Application) Context() *Context {
	return a.ctx
}

// Addr returns the coordinator address once listening.
func (a *Application) Addr() string {
	return a.server.Addr()
}

// Listen binds the coordinator port.
func (a *Application) Listen() error {
	if err := a.server.Listen(); err != nil {
		return NewComponentError("ipc", "listen", err)
	}
	return nil
}

// Quit asks Run to return. Safe to call from any goroutine, more than once.
func (a *Application) Quit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// Run drives the loop: it routes the launch argv, loads enabled extensions,
// dispatches EventReady and then serves until ctx is done or Quit is called.
func (a *Application) Run(ctx context.Context) error {
	if a.server.State() != ipc.StateListening {
		return NewComponentError("ipc", "serve", ipc.ErrNotListening)
	}
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	sched := a.ctx.Scheduler

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- sched.Run(context.Background())
	}()

	var resp ipc.Response
	err := sched.Call(ctx, func() error {
		resp = a.router.Route(a.opts.Argv, true)
		return nil
	})
	if err == nil && !resp.Success() {
		fmt.Fprintln(a.opts.Stderr, resp.Message)
		err = &ExitError{Code: 1, Err: errors.New(resp.Message)}
	}
	if err != nil {
		a.shutdown(loopDone)
		return err
	}

	if err := sched.Call(ctx, func() error { return a.ctx.Registry.Start(ctx) }); err != nil {
		a.logger.Error().Err(err).Msg("extensions not started")
	}
	if a.ctx.Config.Extensions.Watch {
		a.startWatcher()
	}
	a.ctx.Bus.Dispatch(EventReady)
	a.logger.Info().Str("addr", a.server.Addr()).Msg("cipher ready")

	var loopErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown requested")
	case <-a.quit:
		a.logger.Info().Msg("last window closed")
	case loopErr = <-loopDone:
		a.logger.Error().Err(loopErr).Msg("loop stopped unexpectedly")
		loopDone <- loopErr
	}
	return errors.Join(loopErr, a.shutdown(loopDone))
}

func (a *Application) startWatcher() {
	w, err := extension.NewWatcher(a.ctx.Registry, extension.WithWatcherLogger(Component(a.opts.Logger, "watcher")))
	if err == nil {
		err = w.Start()
	}
	if err != nil {
		a.logger.Warn().Err(NewComponentError("watcher", "start", err)).Msg("extension hot reload disabled")
		return
	}
	a.watcher = w
}

// shutdown closes the coordinator, unloads extensions, saves the session and
// stops the loop, in that order. Remote requests already accepted still
// finish on the live loop.
func (a *Application) shutdown(loopDone <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.ctx.Config.Scheduler.ShutdownTimeout.D())
	defer cancel()
	sched := a.ctx.Scheduler

	var errs []error
	if err := a.server.Close(ctx); err != nil {
		errs = append(errs, NewComponentError("ipc", "close", err))
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if err := sched.Call(ctx, func() error {
		a.ctx.Registry.UnloadAll(ctx)
		return nil
	}); err != nil {
		errs = append(errs, NewComponentError("extensions", "unload", err))
	}
	if err := sched.Call(ctx, a.saveSession); err != nil {
		a.logger.Warn().Err(err).Msg("session not saved")
	}
	if err := sched.Shutdown(ctx); err != nil {
		errs = append(errs, NewComponentError("scheduler", "shutdown", err))
	}

	select {
	case <-loopDone:
	case <-ctx.Done():
	}
	a.logger.Info().Msg("cipher stopped")
	return errors.Join(errs...)
}

// saveSession writes the open windows to the session file. With no window
// left there is nothing to write: closing the last one already saved it.
func (a *Application) saveSession() error {
	if a.ctx.Workbench.Len() == 0 {
		return nil
	}
	err := a.ctx.Workbench.SaveSession()
	if err != nil && !errors.Is(err, workbench.ErrNoSessionFile) {
		return NewOperationError("save session", a.ctx.DataDir, err)
	}
	return nil
}

// Close releases an application that was built but never run.
func (a *Application) Close() {
	if a.running.Load() {
		return
	}
	a.cleanup()
}

// crashCleanup runs from Guard on the crashing goroutine; the loop may be
// gone, so it touches only goroutine-safe state.
func (a *Application) crashCleanup() {
	if err := a.saveSession(); err != nil {
		a.logger.Error().Err(err).Msg("session not saved after crash")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = a.server.Close(ctx)
}

// handleRemote routes a forwarded argv on the loop.
func (a *Application) handleRemote(ctx context.Context, argv []string) ipc.Response {
	var resp ipc.Response
	err := a.ctx.Scheduler.Call(ctx, func() error {
		resp = a.router.Route(argv, false)
		return nil
	})
	switch {
	case err == nil:
		return resp
	case errors.Is(err, task.ErrSchedulerClosed), errors.Is(err, context.Canceled):
		return ipc.Closing()
	default:
		a.logger.Error().Err(err).Strs("argv", argv).Msg("forwarded request failed")
		return ipc.Fail(ipc.CodeBadPath, err.Error())
	}
}

func sessionPath(dataDir string) string {
	return filepath.Join(dataDir, workbench.SessionFile)
}
