package eventloop

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandler is the terminal-removal signal: an Action returning an
	// error that wraps it is evicted (OnFinish, OnRelease, removed). It is not
	// treated as a failure.
	ErrInvalidHandler = errors.New("event handler invalid")

	ErrClosed     = errors.New("event loop closed")
	ErrNilHandler = errors.New("nil event handler")
)

// InvalidHandler marks err as a terminal-removal signal while keeping it for
// logs.
//
// Example:
//
//	if q.Drained() {
//		return false, eventloop.InvalidHandler(nil)
//	}
func InvalidHandler(reason error) error {
	if reason == nil {
		return ErrInvalidHandler
	}
	return invalidHandlerError{reason: reason}
}

// IsInvalidHandler reports whether err carries the terminal-removal signal.
func IsInvalidHandler(err error) bool {
	return errors.Is(err, ErrInvalidHandler)
}

type invalidHandlerError struct{ reason error }

func (e invalidHandlerError) Error() string { return fmt.Sprintf("invalid handler: %v", e.reason) }
func (e invalidHandlerError) Unwrap() []error {
	return []error{ErrInvalidHandler, e.reason}
}

// panicError is a recovered panic from a handler hook.
type panicError struct {
	hook  string
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("%s panicked: %v", e.hook, e.value) }
