package resilience

import (
	"errors"
	"fmt"
)

// CommandError is a classified command failure carrying the severity and an
// actionable suggestion alongside the raw output.
type CommandError struct {
	Kind       Kind
	Severity   Severity
	Message    string
	Suggestion string
	ExitCode   int
	Stderr     string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("[%s/%s] %s (after %d attempts): %s",
			e.Severity, e.Kind, e.Message, e.Attempts, e.Suggestion)
	}
	return fmt.Sprintf("[%s/%s] %s: %s", e.Severity, e.Kind, e.Message, e.Suggestion)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// newCommandError builds a CommandError for a classified failure.
func newCommandError(kind Kind, message string, exitCode int, stderr string) *CommandError {
	return &CommandError{
		Kind:       kind,
		Severity:   GetSeverity(kind),
		Message:    message,
		Suggestion: GetSuggestion(kind),
		ExitCode:   exitCode,
		Stderr:     stderr,
	}
}

// AsCommandError extracts a CommandError from an error chain.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ErrCircuitOpen is returned when the circuit breaker rejects an attempt
// without invoking the underlying command.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrMaxRetries is wrapped into failures that exhausted their retry budget.
var ErrMaxRetries = errors.New("max retries exceeded")

// ErrCritical is wrapped into failures classified as non-retryable.
var ErrCritical = errors.New("critical error")
