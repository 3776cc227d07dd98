package engine

import (
	"errors"
	"fmt"
)

// ErrPrerequisite is wrapped into failures caused by a phase whose
// prerequisites are not checkpointed.
var ErrPrerequisite = errors.New("prerequisite not satisfied")

// PhaseError identifies which phase a run failed on and why.
type PhaseError struct {
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

// ValidationError marks a phase whose command succeeded but whose own
// post-condition check failed. Validation failures are never retried; the
// root cause is logic, not transience.
type ValidationError struct {
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("phase %s validation failed: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
