package workbench

import "errors"

var (
	// ErrWindowNotFound is returned when a window ID is unknown.
	ErrWindowNotFound = errors.New("window not found")

	// ErrTabNotFound is returned when closing a tab that is not open.
	ErrTabNotFound = errors.New("tab not open")
)
