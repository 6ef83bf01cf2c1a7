package domain

import "errors"

var (
	// ErrTwinNotFound is returned when a twin row cannot be found in the database
	ErrTwinNotFound = errors.New("twin not found")

	// ErrAlreadyClaimed is returned when attempting to claim a twin another worker holds
	ErrAlreadyClaimed = errors.New("twin already claimed or not awaiting processing")

	// ErrInvalidPayload is returned when a job payload is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMaxAttemptsExceeded is returned when a twin has used up its attempt budget
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
