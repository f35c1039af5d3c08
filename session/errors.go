package session

import "errors"

// Controller lifecycle errors.
var (
	// ErrConnectInProgress indicates a second connect was requested while
	// one is already in flight.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrNotConnected indicates an operation that needs a live session ran
	// without one.
	ErrNotConnected = errors.New("session is not connected")

	// ErrClosed indicates the controller was torn down.
	ErrClosed = errors.New("session controller is closed")

	// ErrConnectAborted indicates an in-flight connect was cancelled by a
	// leave before it could complete.
	ErrConnectAborted = errors.New("connect attempt was cancelled")

	// ErrRetryNotAllowed indicates a retry was requested outside the
	// failed state.
	ErrRetryNotAllowed = errors.New("retry is only possible after a failure")
)

// Privilege errors.
var (
	// ErrNotPermitted indicates the operation is reserved for the
	// clinician.
	ErrNotPermitted = errors.New("operation requires the clinician role")
)
