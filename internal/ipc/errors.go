package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotListening is returned when serving before Listen or after Close.
	ErrNotListening = errors.New("ipc server is not listening")

	// ErrAlreadyListening is returned by a second Listen.
	ErrAlreadyListening = errors.New("ipc server is already listening")
)

// PortInUseError reports that the coordinator port could not be bound.
type PortInUseError struct {
	Port int
	Err  error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("Port %d is already in use", e.Port)
}

func (e *PortInUseError) Unwrap() error {
	return e.Err
}

// DialError reports that nothing accepted a connection at Addr.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed request or response payload.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}
