package event

import (
	"errors"
	"fmt"
)

var (
	// ErrNilHandler is returned when a nil handler is registered.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrEmptyName is returned when a handler is registered without an event name.
	ErrEmptyName = errors.New("event name cannot be empty")
)

// HandlerError wraps an error returned by a handler.
type HandlerError struct {
	// Event is the event name that was dispatched.
	Event string

	// HandlerID identifies the failing handler.
	HandlerID string

	// Err is the underlying error.
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for %q: %v", e.HandlerID, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError wraps a panic raised inside a handler or its error callback.
type PanicError struct {
	Event     string
	HandlerID string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s for %q panicked: %v", e.HandlerID, e.Event, e.Value)
}
