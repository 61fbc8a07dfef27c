package event

import (
	"context"
	"sync/atomic"
)

// HandlerFunc handles one dispatched event.
type HandlerFunc func(ctx context.Context, args ...any) error

// ErrorFunc receives the failure of its handler along with the original
// dispatch arguments. Returning an error hands the failure on to the bus log.
type ErrorFunc func(ctx context.Context, err error, args ...any) error

// Handler is one registered callback. Its owner and callbacks are fixed at
// registration; only the active flag changes, when the handler is retracted.
type Handler struct {
	id      string
	event   string
	fn      HandlerFunc
	onError ErrorFunc
	owner   any
	seq     uint64
	active  atomic.Bool
}

// ID returns the handler identifier.
func (h *Handler) ID() string { return h.id }

// Event returns the event name the handler is registered for.
func (h *Handler) Event() string { return h.event }

// Owner returns the value the handler was registered with.
func (h *Handler) Owner() any { return h.owner }

// Seq returns the registration sequence number.
func (h *Handler) Seq() uint64 { return h.seq }

// IsActive reports whether the handler is still registered. Invocations
// queued before a retraction check this and are skipped.
func (h *Handler) IsActive() bool { return h.active.Load() }

func (h *Handler) deactivate() { h.active.Store(false) }
