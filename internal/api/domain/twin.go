package domain

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a twin.
// Transitions are monotonic except the explicit failed -> queued retry.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition occurs
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Valid reports whether s is a known lifecycle state
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Attachment roles
const (
	RoleVoiceSample = "voice_sample"
	RoleFaceImage   = "face_images"
)

var (
	// ErrTwinNotFound is returned when a twin does not exist
	ErrTwinNotFound = errors.New("twin not found")

	// ErrNotRetryable is returned when a retry is requested for a twin
	// that is not in the failed state
	ErrNotRetryable = errors.New("twin is not in a retryable state")

	// ErrStaleStatus is returned when a conditional status update loses
	// to a concurrent writer
	ErrStaleStatus = errors.New("twin status changed concurrently")
)

// ValidationError marks malformed or missing ingestion input; surfaced as 400,
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a named input field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PayloadTooLargeError marks an attachment exceeding its configured ceiling;
// surfaced as 413.
type PayloadTooLargeError struct {
	Field string
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s is %d bytes, limit is %d", e.Field, e.Size, e.Limit)
}

// StorageError marks an object store write failure after bounded retries;
// surfaced as 500.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to store %s: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
