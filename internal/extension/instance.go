package extension

import (
	"sync"

	"github.com/cipher-editor/cipher/internal/event"
	"github.com/cipher-editor/cipher/internal/task"
)

// Instance is the runtime wrapper around one discovered extension folder. It
// lives for the whole process; reload replaces only its object handle.
type Instance struct {
	mu       sync.RWMutex
	manifest *Manifest
	status   Status
	ext      Extension
	handlers []*event.Handler
	lastErr  error
	ready    bool

	generation uint64
	startTask  *task.PendingTask
}

func newInstance(m *Manifest) *Instance {
	return &Instance{manifest: m, status: StatusDisabled}
}

// Manifest returns a copy of the current manifest.
func (i *Instance) Manifest() *Manifest {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.manifest.Clone()
}

// Name returns the manifest name.
func (i *Instance) Name() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.manifest.Name
}

// Folder returns the folder name.
func (i *Instance) Folder() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.manifest.Folder()
}

// Status returns the lifecycle status.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Ready reports whether the extension finished its asynchronous start.
func (i *Instance) Ready() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ready
}

// LastError returns the failure recorded by the last load, if any.
func (i *Instance) LastError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

// Extension returns the live object handle, or nil when none is loaded.
func (i *Instance) Extension() Extension {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ext
}

// Handlers returns the handlers this instance has registered.
func (i *Instance) Handlers() []*event.Handler {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*event.Handler, len(i.handlers))
	copy(out, i.handlers)
	return out
}

func (i *Instance) String() string {
	return i.Name()
}

// Info is a display snapshot of an instance.
type Info struct {
	Name    string
	Folder  string
	Dir     string
	Icon    string
	Enabled bool
	Status  Status
	Ready   bool
	Error   string
}

// Info returns a display snapshot.
func (i *Instance) Info() Info {
	i.mu.RLock()
	defer i.mu.RUnlock()

	info := Info{
		Name:    i.manifest.Name,
		Folder:  i.manifest.Folder(),
		Dir:     i.manifest.Dir,
		Icon:    i.manifest.IconPath(),
		Enabled: i.manifest.Enabled,
		Status:  i.status,
		Ready:   i.ready,
	}
	if i.lastErr != nil {
		info.Error = i.lastErr.Error()
	}
	return info
}

func (i *Instance) setManifest(m *Manifest) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.manifest = m
}

func (i *Instance) setStatus(s Status) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = s
}

// beginLoad moves the instance to Loading and returns the new generation.
func (i *Instance) beginLoad() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusLoading
	i.lastErr = nil
	i.ready = false
	i.generation++
	return i.generation
}

func (i *Instance) fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusFailed
	i.lastErr = err
}

// markReady flags the instance ready if gen is still the current load.
func (i *Instance) markReady(gen uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.generation != gen || i.status != StatusEnabled {
		return false
	}
	i.ready = true
	return true
}

func (i *Instance) attach(ext Extension, handlers []*event.Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ext = ext
	i.handlers = handlers
}

// detach drops the object handle and the handler list.
func (i *Instance) detach() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ext = nil
	i.handlers = nil
	i.startTask = nil
	i.ready = false
}

func (i *Instance) startHandle() *task.PendingTask {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.startTask
}

func (i *Instance) setStartTask(t *task.PendingTask) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.startTask = t
}
