// Package extension discovers, loads and hot-reloads editor extensions.
//
// An extension is a folder under the extensions directory holding a
// settings.json manifest and code addressable as "extension.<folder>". Code
// is provided by a Runtime: Go factories compiled into the binary, or Lua
// scripts (see the lua subpackage).
//
// # Lifecycle
//
//	Disabled ──enable──▶ Loading ──▶ Enabled
//	    ▲                   │
//	    │                   └──────▶ Failed
//	    └────disable──── Enabled | Failed
//
// Every transition runs on the task loop, so event dispatch never observes an
// instance whose handlers are only partly registered.
package extension

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cipher-editor/cipher/internal/event"
	"github.com/cipher-editor/cipher/internal/task"
	"github.com/cipher-editor/cipher/internal/workbench"
)

// EventSpec declares one handler an extension contributes to the bus.
type EventSpec struct {
	Name    string
	Handler event.HandlerFunc
	OnError event.ErrorFunc
}

// Extension is the capability every loaded extension object must provide.
//
// Events is called once after construction. Types built on top of another
// extension type call the embedded Events and append their own specs.
type Extension interface {
	Events() []EventSpec
	Teardown(ctx context.Context) error
}

// Starter is implemented by extensions that finish initialization
// asynchronously, such as waiting for a remote connection. Start runs off
// the loop; the instance is marked ready when it returns nil.
type Starter interface {
	Start(ctx context.Context) error
}

// Factory constructs an extension object for host. The result is checked
// against Extension by the loader.
type Factory func(ctx context.Context, host *Host) (any, error)

// Host is the context handed to an extension when it is constructed.
type Host struct {
	// Manifest is a copy of the extension's manifest.
	Manifest *Manifest

	// Logger is scoped to the extension.
	Logger zerolog.Logger

	// DataDir is the application data directory.
	DataDir string

	// Scheduler is the task loop; long work should go through Scheduler.Go.
	Scheduler *task.Scheduler

	// Workbench gives access to windows, workspaces and tabs. May be nil.
	Workbench *workbench.Workbench

	bus *event.Bus
}

// Name returns the extension's display name.
func (h *Host) Name() string {
	return h.Manifest.Name
}

// Emit dispatches an event on the host bus.
func (h *Host) Emit(name string, args ...any) {
	if h.bus != nil {
		h.bus.Dispatch(name, args...)
	}
}
