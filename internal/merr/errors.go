// Package merr holds the sentinel error kinds shared by every Motion
// execution-engine package, so callers can use errors.Is/errors.As
// instead of matching on strings.
package merr

import "errors"

var (
	// ErrUnknownFlow is returned when a flow key has no serve or update
	// route registered against it.
	ErrUnknownFlow = errors.New("motion: unknown flow")

	// ErrUserCode wraps a panic or error raised by a user-supplied serve
	// or update function. Unwrap it to get at the original cause.
	ErrUserCode = errors.New("motion: user code error")

	// ErrBackendUnavailable is returned by the store adapter when a
	// Redis call times out or the connection is otherwise unusable.
	ErrBackendUnavailable = errors.New("motion: backend unavailable")

	// ErrLockContention is returned when the state lock could not be
	// acquired within the configured timeout.
	ErrLockContention = errors.New("motion: lock contention")

	// ErrDisabledUpdateTask is returned by update-facing operations on
	// an instance created with DisableUpdateTask.
	ErrDisabledUpdateTask = errors.New("motion: update task disabled")

	// ErrBackpressure is returned by Enqueue when a flow's update queue
	// is at its high-water mark.
	ErrBackpressure = errors.New("motion: queue backpressure")

	// ErrTimeout names the caller-deadline error kind. No operation in
	// this module returns it: a deadline that expires at a flush,
	// update-completion or lock-backoff wait surfaces as the wrapped
	// context error, and a store call cut short by it surfaces as
	// ErrBackendUnavailable.
	ErrTimeout = errors.New("motion: deadline exceeded")

	// ErrShutdown is returned by any operation attempted against an
	// instance that is draining or already closed.
	ErrShutdown = errors.New("motion: instance shut down")
)

// UserCodeError associates ErrUserCode with the underlying panic/error
// raised by a serve or update function, and records which kind of route
// raised it.
type UserCodeError struct {
	FlowKey string
	Route   string // "serve" or "update"
	Cause   error
}

func (e *UserCodeError) Error() string {
	return "motion: " + e.Route + " route \"" + e.FlowKey + "\" failed: " + e.Cause.Error()
}

func (e *UserCodeError) Unwrap() []error {
	return []error{ErrUserCode, e.Cause}
}

// NewUserCodeError wraps cause as a UserCodeError attached to the given
// flow key and route kind.
func NewUserCodeError(flowKey, route string, cause error) *UserCodeError {
	return &UserCodeError{FlowKey: flowKey, Route: route, Cause: cause}
}
