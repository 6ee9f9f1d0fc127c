package jobs

import "errors"

// TransientError wraps a failure that happened before anything could be
// recorded on the job: the queued delivery is the only place the work still
// exists, so the consumer requeues it instead of acking it away.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable through broker redelivery
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked for broker redelivery
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
