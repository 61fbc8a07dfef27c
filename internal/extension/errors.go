package extension

import (
	"errors"
	"fmt"
	"reflect"
)

// Extension system errors.
var (
	// ErrNotFound is returned when no extension matches a name.
	ErrNotFound = errors.New("extension not found")

	// ErrEntryNotFound is returned when no runtime can resolve an entry point.
	ErrEntryNotFound = errors.New("extension entry point not found")

	// ErrNotExtension is returned when a factory's result lacks the extension interface.
	ErrNotExtension = errors.New("object does not implement the extension interface")

	// ErrMalformedManifest is returned for manifests that are not a JSON object.
	ErrMalformedManifest = errors.New("malformed manifest")

	// ErrMissingName is returned when a manifest has no name.
	ErrMissingName = errors.New("manifest name is required")

	// ErrInvalidFolder is returned for folder names that cannot form an entry name.
	ErrInvalidFolder = errors.New("invalid extension folder name")
)

// ManifestError reports a manifest that could not be read or parsed.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// LoadError reports a failed load. It is kept on the instance for display.
type LoadError struct {
	// Extension is the manifest name.
	Extension string

	// Entry is the entry point that was resolved.
	Entry string

	// Err is the underlying failure.
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %s: %v", e.Extension, e.Entry, e.Class(), e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Class returns the concrete type name of the underlying failure.
func (e *LoadError) Class() string {
	if e.Err == nil {
		return "<nil>"
	}
	var pe *PanicError
	if errors.As(e.Err, &pe) {
		return "panic"
	}
	return reflect.TypeOf(e.Err).String()
}

// PanicError wraps a panic raised by extension code.
type PanicError struct {
	Op    string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Op, e.Value)
}
