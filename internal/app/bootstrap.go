package app

import (
	"context"
	"os"
	"time"

	"github.com/cipher-editor/cipher/internal/event"
	"github.com/cipher-editor/cipher/internal/extension"
	"github.com/cipher-editor/cipher/internal/extension/lua"
	"github.com/cipher-editor/cipher/internal/ipc"
	"github.com/cipher-editor/cipher/internal/task"
	"github.com/cipher-editor/cipher/internal/workbench"
)

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (a *Application) bootstrap() error {
	cfg := a.opts.Config
	a.ctx = &Context{
		DataDir:  cfg.DataDir,
		Config:   cfg,
		Logger:   a.opts.Logger,
		Builtins: a.opts.Builtins,
	}

	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"dataDir", a.initDataDir},
		{"scheduler", a.initScheduler},
		{"bus", a.initBus},
		{"workbench", a.initWorkbench},
		{"extensions", a.initExtensions},
		{"ipc", a.initServer},
	} {
		if err := step.fn(); err != nil {
			a.cleanup()
			return NewComponentError(step.name, "init", err)
		}
		a.initOrder = append(a.initOrder, step.name)
	}
	return nil
}

func (a *Application) initDataDir() error {
	return os.MkdirAll(a.ctx.DataDir, 0o755)
}

func (a *Application) initScheduler() error {
	cfg := a.ctx.Config.Scheduler
	a.ctx.Scheduler = task.New(
		task.WithTick(cfg.Tick.D()),
		task.WithQueueSize(cfg.QueueSize),
		task.WithLogger(Component(a.opts.Logger, "scheduler")),
	)
	return nil
}

func (a *Application) initBus() error {
	a.ctx.Bus = event.NewBus(a.ctx.Scheduler, event.WithLogger(Component(a.opts.Logger, "events")))
	return nil
}

func (a *Application) initWorkbench() error {
	a.ctx.Workbench = workbench.New(a.ctx.Bus,
		workbench.WithSessionFile(sessionPath(a.ctx.DataDir)),
		workbench.WithOnEmpty(a.Quit),
		workbench.WithLogger(Component(a.opts.Logger, "workbench")),
	)
	return nil
}

func (a *Application) initExtensions() error {
	cfg := a.ctx.Config
	logger := Component(a.opts.Logger, "extensions")

	a.ctx.Lua = lua.NewRuntime(
		lua.WithRuntimeCallTimeout(cfg.Extensions.CallTimeout.D()),
		lua.WithRuntimeLogger(logger),
	)
	loader := extension.NewLoader(a.ctx.Bus,
		extension.WithRuntime(a.ctx.Builtins),
		extension.WithRuntime(a.ctx.Lua),
		extension.WithTeardownTimeout(cfg.Extensions.TeardownTimeout.D()),
		extension.WithLoaderLogger(logger),
	)
	a.ctx.Registry = extension.NewRegistry(cfg.ExtensionsDir(), loader, a.ctx.Scheduler, a.ctx.Bus,
		extension.WithRegistryLogger(logger),
		extension.WithHostFactory(func(m *extension.Manifest) *extension.Host {
			return &extension.Host{
				Manifest:  m,
				Logger:    logger.With().Str("extension", m.Name).Logger(),
				DataDir:   a.ctx.DataDir,
				Scheduler: a.ctx.Scheduler,
				Workbench: a.ctx.Workbench,
			}
		}),
	)
	return os.MkdirAll(cfg.ExtensionsDir(), 0o755)
}

func (a *Application) initServer() error {
	cfg := a.ctx.Config.IPC
	a.router = NewRouter(a.ctx.Workbench, a.serverClosing, Component(a.opts.Logger, "router"))
	a.server = ipc.NewServer(cfg.Host, cfg.Port, a.handleRemote,
		ipc.WithServerLogger(Component(a.opts.Logger, "ipc")),
		ipc.WithReadTimeout(cfg.ResponseTimeout.D()),
	)
	return nil
}

func (a *Application) serverClosing() bool {
	return a.server != nil && a.server.Closing()
}

// cleanup releases initialized components in reverse order.
func (a *Application) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := len(a.initOrder) - 1; i >= 0; i-- {
		switch a.initOrder[i] {
		case "ipc":
			_ = a.server.Close(ctx)
		case "extensions":
			a.ctx.Registry.UnloadAll(ctx)
		case "scheduler":
			_ = a.ctx.Scheduler.Shutdown(ctx)
		}
	}
	a.initOrder = nil
}
