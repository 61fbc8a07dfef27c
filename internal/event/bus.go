package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cipher-editor/cipher/internal/task"
)

// Scheduler is the part of the task loop the bus needs.
type Scheduler interface {
	Post(fn func()) error
	Schedule(name string, fn task.Func) (*task.PendingTask, error)
}

// Bus dispatches named events to registered handlers.
//
// Register, Retract and the fan-out of Dispatch are expected to happen on the
// loop goroutine. Dispatch itself may be called from anywhere.
type Bus struct {
	registry *Registry
	sched    Scheduler
	logger   zerolog.Logger

	dispatched atomic.Uint64
	started    atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
	dropped    atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for unhandled handler failures.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// NewBus creates a bus that schedules handlers on sched.
func NewBus(sched Scheduler, opts ...Option) *Bus {
	b := &Bus{
		registry: NewRegistry(),
		sched:    sched,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the underlying handler registry.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Register appends fn to the handlers for name. owner identifies the
// registering party for Retract and must be comparable; onError is optional.
func (b *Bus) Register(name string, fn HandlerFunc, owner any, onError ErrorFunc) (*Handler, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if fn == nil {
		return nil, ErrNilHandler
	}
	h := &Handler{
		id:      uuid.NewString(),
		event:   name,
		fn:      fn,
		onError: onError,
		owner:   owner,
	}
	b.registry.Add(h)
	return h, nil
}

// Unregister removes a single handler.
func (b *Bus) Unregister(h *Handler) bool {
	if h == nil {
		return false
	}
	return b.registry.Remove(h)
}

// Retract removes every handler registered by owner and returns how many
// were removed.
func (b *Bus) Retract(owner any) int {
	return len(b.registry.RemoveOwner(owner))
}

// Dispatch queues the handlers registered for name and returns immediately.
// The handler list is read on the loop, and each handler then runs as its
// own task, started in registration order.
func (b *Bus) Dispatch(name string, args ...any) {
	b.dispatched.Add(1)
	err := b.sched.Post(func() {
		b.fanOut(name, args)
	})
	if err != nil {
		b.dropped.Add(1)
		b.logger.Warn().Str("event", name).Err(err).Msg("dropping event")
	}
}

func (b *Bus) fanOut(name string, args []any) {
	for _, h := range b.registry.Handlers(name) {
		h := h
		_, err := b.sched.Schedule(name, func(ctx context.Context) error {
			return b.invoke(ctx, h, args)
		})
		if err != nil {
			b.dropped.Add(1)
			b.logger.Warn().Str("event", name).Str("handler", h.id).Err(err).Msg("dropping handler invocation")
		}
	}
}

// invoke runs one handler with failure isolation. The returned error is only
// recorded on the task; it never reaches the dispatcher.
func (b *Bus) invoke(ctx context.Context, h *Handler, args []any) error {
	if !h.IsActive() {
		b.skipped.Add(1)
		return nil
	}
	b.started.Add(1)

	err := b.protect(h, func() error { return h.fn(ctx, args...) })
	if err == nil {
		return nil
	}
	b.failed.Add(1)

	if h.onError != nil {
		cbErr := b.protect(h, func() error { return h.onError(ctx, err, args...) })
		if cbErr == nil {
			return err
		}
		b.logFailure(h, cbErr).Msg("event error callback failed")
	}
	b.logFailure(h, err).Msg("event handler failed")
	return err
}

func (b *Bus) protect(h *Handler, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Event: h.event, HandlerID: h.id, Value: r, Stack: string(debug.Stack())}
		}
	}()
	if err := fn(); err != nil {
		return &HandlerError{Event: h.event, HandlerID: h.id, Err: err}
	}
	return nil
}

func (b *Bus) logFailure(h *Handler, err error) *zerolog.Event {
	ev := b.logger.Error().Str("event", h.event).Str("handler", h.id).Err(err)
	if s, ok := h.owner.(fmt.Stringer); ok {
		ev = ev.Str("owner", s.String())
	}
	return ev
}

// Handlers returns the handlers registered for name in registration order.
func (b *Bus) Handlers(name string) []*Handler {
	return b.registry.Handlers(name)
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name string) int {
	return b.registry.Count(name)
}

// Owners returns the distinct handler owners.
func (b *Bus) Owners() []any {
	return b.registry.Owners()
}

// Stats holds bus counters.
type Stats struct {
	Dispatched uint64
	Started    uint64
	Failed     uint64
	Skipped    uint64
	Dropped    uint64
	Handlers   int
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Dispatched: b.dispatched.Load(),
		Started:    b.started.Load(),
		Failed:     b.failed.Load(),
		Skipped:    b.skipped.Load(),
		Dropped:    b.dropped.Load(),
		Handlers:   b.registry.Len(),
	}
}
