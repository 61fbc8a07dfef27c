// Package workbench models the editor's windows, their workspaces and their
// open tabs without any presentation. A UI layer renders this state; argument
// routing and extensions change it.
package workbench

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names emitted by the workbench.
const (
	EventWindowOpened     = "onWindowOpened"
	EventWorkspaceChanged = "onWorkspaceChanged"
	EventTabOpened        = "onTabOpened"
	EventTabClosed        = "onTabClosed"
	EventClose            = "onClose"
)

// Emitter receives workbench events. *event.Bus satisfies it.
type Emitter interface {
	Dispatch(name string, args ...any)
}

// Window is one editor window.
type Window struct {
	// ID identifies the window for the lifetime of the process.
	ID string

	// Workspace is the open folder, or "" when none is open.
	Workspace string

	// Tabs are the open file paths in tab order.
	Tabs []string

	// Active is the index of the focused tab, or -1.
	Active int
}

func (w *Window) clone() Window {
	c := *w
	c.Tabs = slices.Clone(w.Tabs)
	return c
}

// Workbench holds every open window. Mutations are expected on the task loop;
// snapshots may be read from anywhere.
type Workbench struct {
	mu      sync.RWMutex
	windows []*Window

	emit        Emitter
	sessionPath string
	onEmpty     func()
	logger      zerolog.Logger
}

// Option configures a Workbench.
type Option func(*Workbench)

// WithSessionFile sets where the session is saved and resumed from.
func WithSessionFile(path string) Option {
	return func(wb *Workbench) {
		wb.sessionPath = path
	}
}

// WithOnEmpty sets the callback run after the last window closes.
func WithOnEmpty(fn func()) Option {
	return func(wb *Workbench) {
		wb.onEmpty = fn
	}
}

// WithLogger sets the workbench logger.
func WithLogger(l zerolog.Logger) Option {
	return func(wb *Workbench) {
		wb.logger = l
	}
}

// New creates an empty workbench that reports changes to emit. emit may be nil.
func New(emit Emitter, opts ...Option) *Workbench {
	wb := &Workbench{
		emit:   emit,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(wb)
	}
	return wb
}

// NewWindow opens an empty window and returns its ID.
func (wb *Workbench) NewWindow() string {
	w := &Window{ID: uuid.NewString(), Active: -1}

	wb.mu.Lock()
	wb.windows = append(wb.windows, w)
	wb.mu.Unlock()

	wb.logger.Debug().Str("window", w.ID).Msg("window opened")
	wb.dispatch(EventWindowOpened, w.ID)
	return w.ID
}

// Len returns the number of open windows.
func (wb *Workbench) Len() int {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return len(wb.windows)
}

// Windows returns snapshots of all windows in opening order.
func (wb *Workbench) Windows() []Window {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	out := make([]Window, len(wb.windows))
	for i, w := range wb.windows {
		out[i] = w.clone()
	}
	return out
}

// Window returns a snapshot of the window with id.
func (wb *Workbench) Window(id string) (Window, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	if w := wb.find(id); w != nil {
		return w.clone(), true
	}
	return Window{}, false
}

// Main returns the first window.
func (wb *Workbench) Main() (Window, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	if len(wb.windows) == 0 {
		return Window{}, false
	}
	return wb.windows[0].clone(), true
}

// FirstWithoutWorkspace returns the first window that has no folder open.
func (wb *Workbench) FirstWithoutWorkspace() (Window, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	for _, w := range wb.windows {
		if w.Workspace == "" {
			return w.clone(), true
		}
	}
	return Window{}, false
}

// OpenFolder makes path the workspace of window id.
func (wb *Workbench) OpenFolder(id, path string) error {
	wb.mu.Lock()
	w := wb.find(id)
	if w == nil {
		wb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWindowNotFound, id)
	}
	w.Workspace = path
	wb.mu.Unlock()

	wb.dispatch(EventWorkspaceChanged, id, path)
	return nil
}

// OpenFile opens path as a tab in window id, or focuses it if it is already
// open there.
func (wb *Workbench) OpenFile(id, path string) error {
	wb.mu.Lock()
	w := wb.find(id)
	if w == nil {
		wb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWindowNotFound, id)
	}
	if idx := slices.Index(w.Tabs, path); idx >= 0 {
		w.Active = idx
		wb.mu.Unlock()
		return nil
	}
	w.Tabs = append(w.Tabs, path)
	w.Active = len(w.Tabs) - 1
	wb.mu.Unlock()

	wb.dispatch(EventTabOpened, id, path)
	return nil
}

// CloseTab closes the tab for path in window id.
func (wb *Workbench) CloseTab(id, path string) error {
	wb.mu.Lock()
	w := wb.find(id)
	if w == nil {
		wb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWindowNotFound, id)
	}
	idx := slices.Index(w.Tabs, path)
	if idx < 0 {
		wb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTabNotFound, path)
	}
	w.Tabs = slices.Delete(w.Tabs, idx, idx+1)
	if w.Active >= len(w.Tabs) {
		w.Active = len(w.Tabs) - 1
	}
	wb.mu.Unlock()

	wb.dispatch(EventTabClosed, id, path)
	return nil
}

// CloseWindow closes window id. Closing the last window saves the session
// while that window is still in it, then runs the empty callback.
func (wb *Workbench) CloseWindow(id string) error {
	if wb.sessionPath != "" && wb.Len() == 1 {
		if _, ok := wb.Window(id); ok {
			if err := wb.SaveSession(); err != nil {
				wb.logger.Warn().Err(err).Msg("session not saved before closing last window")
			}
		}
	}

	wb.mu.Lock()
	idx := slices.IndexFunc(wb.windows, func(w *Window) bool { return w.ID == id })
	if idx < 0 {
		wb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWindowNotFound, id)
	}
	wb.windows = slices.Delete(wb.windows, idx, idx+1)
	empty := len(wb.windows) == 0
	wb.mu.Unlock()

	wb.dispatch(EventClose, id)
	if empty && wb.onEmpty != nil {
		wb.onEmpty()
	}
	return nil
}

func (wb *Workbench) find(id string) *Window {
	for _, w := range wb.windows {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (wb *Workbench) dispatch(name string, args ...any) {
	if wb.emit != nil {
		wb.emit.Dispatch(name, args...)
	}
}
