package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Goal errors
	ErrGoalNotFound   = errors.New("goal not found")
	ErrGoalDisabled   = errors.New("goal is disabled")
	ErrEmergencyStop  = errors.New("emergency stop is active")
	ErrCooldownActive = errors.New("goal cooldown has not elapsed")
	ErrRateLimited    = errors.New("execution limit reached")

	// Collaborator errors
	ErrMemoryUnavailable = errors.New("semantic memory unavailable")

	// Configuration errors
	ErrConfigInvalid = errors.New("invalid configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// RuntimeError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type RuntimeError struct {
	Op      string // Operation that failed (e.g., "bus.Publish")
	Kind    string // Error kind (e.g., "bus", "goal", "memory")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *RuntimeError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError.
func NewRuntimeError(op, kind string, err error) *RuntimeError {
	return &RuntimeError{Op: op, Kind: kind, Err: err}
}

// WithID attaches an entity identifier to the error.
func (e *RuntimeError) WithID(id string) *RuntimeError {
	e.ID = id
	return e
}

// IsUnavailable reports whether err indicates the semantic memory
// collaborator could not be reached. The learning engine degrades to
// zero-sample confidences when this is true.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrMemoryUnavailable)
}
