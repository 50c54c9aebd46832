package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core package: Timeline, Fence and the
// epoch-checked handle registry (Frame pool). Matched
// with errors.Is, never by string comparison.
var (
	// ErrInvalidID is returned when a handle is zero/unset.
	ErrInvalidID = errors.New("hwc: invalid handle")

	// ErrResourceNotFound is returned when a handle's index was never
	// allocated in this registry.
	ErrResourceNotFound = errors.New("hwc: resource not found")

	// ErrEpochMismatch is returned when a handle's epoch doesn't match
	// the currently stored resource - the slot was recycled since the
	// handle was obtained.
	ErrEpochMismatch = errors.New("hwc: epoch mismatch: resource was recycled")

	// ErrOrderingViolation is returned when Timeline.AdvanceTo would move
	// the timeline backwards. The caller logs and continues rather than
	// treating it as fatal.
	ErrOrderingViolation = errors.New("hwc: timeline ordering violation")

	// ErrFenceUnbound names the state of a Fence whose bound refcount has
	// already reached zero. Fence.Wait and Fence.Check do not return it:
	// they report such a Fence as signalled (true, nil) without blocking.
	ErrFenceUnbound = errors.New("hwc: fence has no bound references")
)

// ValidationError represents a validation failure with context:
// (resource, field, message, cause).
type ValidationError struct {
	Resource string // e.g. "Timeline", "BufferManager"
	Field    string // field or operation that failed
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s.%s: %s", e.Resource, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error.
func NewValidationError(resource, field, message string) *ValidationError {
	return &ValidationError{Resource: resource, Field: field, Message: message}
}

// NewValidationErrorf creates a new validation error with a formatted message.
func NewValidationErrorf(resource, field, format string, args ...any) *ValidationError {
	return &ValidationError{Resource: resource, Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
