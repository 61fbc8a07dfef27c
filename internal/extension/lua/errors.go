package lua

import "errors"

var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNoRun is returned when an entry module does not export run(host).
	ErrNoRun = errors.New("entry module has no run function")

	// ErrNoEvents is returned when run(host) returns an object without events().
	ErrNoEvents = errors.New("extension object has no events function")

	// ErrModuleNotFound is returned when a required module has no source file.
	ErrModuleNotFound = errors.New("module not found")
)
