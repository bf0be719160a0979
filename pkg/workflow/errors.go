package workflow

import "errors"

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("workflow: engine closed")
	// ErrNoHandler is returned by Send for event types nobody registered.
	ErrNoHandler = errors.New("workflow: no handler registered")
)

type nonRetryable struct{ err error }

func (e nonRetryable) Error() string { return e.err.Error() }
func (e nonRetryable) Unwrap() error { return e.err }

// NonRetryable marks err so the engine stops retrying the handler.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return nonRetryable{err: err}
}

// IsNonRetryable reports whether err, or anything it wraps, was marked with
// NonRetryable.
func IsNonRetryable(err error) bool {
	var nr nonRetryable
	return errors.As(err, &nr)
}
