package extension

import (
	"sort"
	"sync"
)

// Runtime resolves entry points to factories and owns whatever module state
// it caches for them.
type Runtime interface {
	// Name identifies the runtime in logs.
	Name() string

	// Resolve returns the factory for m's entry point, or ErrEntryNotFound
	// when the runtime does not provide it.
	Resolve(m *Manifest) (Factory, error)

	// Purge discards cached module state for m so the next Resolve starts
	// from a clean slate.
	Purge(m *Manifest)
}

// Builtins is a Runtime for extensions compiled into the binary, keyed by
// entry name ("extension.<folder>").
type Builtins struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewBuiltins creates an empty builtin runtime.
func NewBuiltins() *Builtins {
	return &Builtins{factories: make(map[string]Factory)}
}

// Register adds a factory under entry. A later registration replaces an
// earlier one.
func (b *Builtins) Register(entry string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[entry] = f
}

// Entries returns the registered entry names, sorted.
func (b *Builtins) Entries() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.factories))
	for name := range b.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Name implements Runtime.
func (b *Builtins) Name() string { return "go" }

// Resolve implements Runtime.
func (b *Builtins) Resolve(m *Manifest) (Factory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	f, ok := b.factories[m.Entry()]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return f, nil
}

// Purge implements Runtime. Builtin factories build a fresh object graph on
// every call, so there is nothing to discard.
func (b *Builtins) Purge(*Manifest) {}
