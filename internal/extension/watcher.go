package extension

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before reloading.
const DefaultDebounce = 250 * time.Millisecond

// ErrWatcherClosed is returned when Start is called on a closed watcher.
var ErrWatcherClosed = errors.New("watcher is closed")

// Watcher hot-reloads enabled extensions when their source files change and
// rescans the directory when folders appear.
type Watcher struct {
	reg      *Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload fires.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher creates a watcher for reg's directory.
func NewWatcher(reg *Registry, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		reg:      reg,
		fsw:      fsw,
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the extensions directory and every extension folder in it.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.mu.Unlock()

	root := w.reg.Dir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := w.fsw.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && validFolder(e.Name()) == nil {
			w.add(filepath.Join(root, e.Name()))
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops watching and cancels pending reloads.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) add(dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn().Str("dir", dir).Err(err).Msg("cannot watch extension folder")
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("extension watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	root := filepath.Clean(w.reg.Dir())
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	folder := parts[0]
	if validFolder(folder) != nil {
		return
	}

	// A change directly under the root: a folder appeared or went away.
	if len(parts) == 1 {
		if ev.Op.Has(fsnotify.Create) {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				w.add(ev.Name)
			}
		}
		w.scheduleRescan()
		return
	}

	base := filepath.Base(ev.Name)
	if base == ManifestFile {
		// A manifest landing in a folder we could not read before.
		if _, ok := w.reg.Lookup(folder); !ok {
			w.scheduleRescan()
		}
		return
	}
	if strings.HasPrefix(base, ".") {
		return
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
		return
	}
	w.trigger(folder, func() {
		err := w.reg.sched.Post(func() {
			inst, ok := w.reg.Lookup(folder)
			if !ok || inst.Status() != StatusEnabled {
				return
			}
			w.logger.Info().Str("extension", inst.Name()).Msg("source changed, reloading")
			if _, err := w.reg.Schedule(OpReload, folder); err != nil {
				w.logger.Warn().Str("extension", inst.Name()).Err(err).Msg("reload not scheduled")
			}
		})
		if err != nil {
			w.logger.Debug().Err(err).Msg("reload not scheduled")
		}
	})
}

// trigger runs fn once key has been quiet for the debounce period. Keys are
// folder names; "" is the directory rescan.
func (w *Watcher) trigger(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.timers[key] == t {
			delete(w.timers, key)
		}
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			fn()
		}
	})
	w.timers[key] = t
}

func (w *Watcher) scheduleRescan() {
	w.trigger("", func() {
		if err := w.reg.sched.Post(w.rescan); err != nil {
			w.logger.Debug().Err(err).Msg("rescan not scheduled")
		}
	})
}

func (w *Watcher) rescan() {
	found, err := w.reg.Scan()
	if err != nil {
		w.logger.Warn().Err(err).Msg("extension rescan failed")
		return
	}
	for _, inst := range found {
		w.logger.Info().Str("extension", inst.Name()).Msg("discovered extension")
		if inst.Manifest().Enabled {
			_ = w.reg.load(context.Background(), inst)
		}
	}
}
