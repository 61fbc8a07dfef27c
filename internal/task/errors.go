package task

import (
	"errors"
	"fmt"
)

var (
	// ErrSchedulerClosed is returned when work is submitted after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler is closed")

	// ErrQueueFull is returned when the loop backlog is at capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrShutdownTimeout is returned when tracked tasks outlive the shutdown deadline.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrCancelled marks a task that was cancelled before it ran.
	ErrCancelled = errors.New("task cancelled")

	// ErrNilFunc is returned when a nil unit of work is submitted.
	ErrNilFunc = errors.New("task func cannot be nil")
)

// PanicError wraps a panic raised by a unit of work.
type PanicError struct {
	// Task is the name the work was scheduled under.
	Task string

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace captured at recovery.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", e.Task, e.Value)
}
