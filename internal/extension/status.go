package extension

// Status is the lifecycle state of an extension instance.
type Status int

const (
	// StatusDisabled means no object is loaded and no handlers are registered.
	StatusDisabled Status = iota

	// StatusLoading means the entry point is being resolved and constructed.
	StatusLoading

	// StatusEnabled means the object is live and all its handlers are registered.
	StatusEnabled

	// StatusFailed means the last load attempt failed.
	StatusFailed
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusLoading:
		return "loading"
	case StatusEnabled:
		return "enabled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
