package event

import (
	"slices"
	"sort"
	"sync"
)

// Registry maps event names to handlers in registration order. Duplicate
// registrations are kept as independent entries.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]*Handler
	seq      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]*Handler),
	}
}

// Add appends h to the list for its event and marks it active.
func (r *Registry) Add(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	h.seq = r.seq
	h.active.Store(true)
	r.handlers[h.event] = append(r.handlers[h.event], h)
}

// Remove removes a single handler. It returns false if h was not registered.
func (r *Registry) Remove(h *Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[h.event]
	idx := slices.Index(list, h)
	if idx < 0 {
		return false
	}
	h.deactivate()
	r.store(h.event, slices.Delete(slices.Clone(list), idx, idx+1))
	return true
}

// RemoveOwner removes every handler registered by owner across all events and
// returns them. The relative order of the remaining handlers is unchanged.
func (r *Registry) RemoveOwner(owner any) []*Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Handler
	for name, list := range r.handlers {
		kept := make([]*Handler, 0, len(list))
		for _, h := range list {
			if h.owner == owner {
				h.deactivate()
				removed = append(removed, h)
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) != len(list) {
			r.store(name, kept)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].seq < removed[j].seq })
	return removed
}

// store replaces the list for name. Lists are never mutated in place, so
// snapshots handed out by Handlers stay valid.
func (r *Registry) store(name string, list []*Handler) {
	if len(list) == 0 {
		delete(r.handlers, name)
		return
	}
	r.handlers[name] = list
}

// Handlers returns a snapshot of the handlers for name in registration order.
func (r *Registry) Handlers(name string) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers[name])
}

// OwnedBy returns the handlers registered by owner, ordered by registration.
func (r *Registry) OwnedBy(owner any) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Handler
	for _, list := range r.handlers {
		for _, h := range list {
			if h.owner == owner {
				out = append(out, h)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Count returns the number of handlers registered for name.
func (r *Registry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name])
}

// Len returns the total number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, list := range r.handlers {
		n += len(list)
	}
	return n
}

// Names returns the event names that have at least one handler, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Owners returns the distinct owners with at least one handler, in order of
// their earliest registration.
func (r *Registry) Owners() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Handler
	for _, list := range r.handlers {
		all = append(all, list...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	var out []any
	seen := make(map[any]bool)
	for _, h := range all {
		if h.owner == nil || seen[h.owner] {
			continue
		}
		seen[h.owner] = true
		out = append(out, h.owner)
	}
	return out
}
