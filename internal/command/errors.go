package command

import (
	"errors"
	"fmt"
)

// Domain errors for the command package.
var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("command: invalid request")

	// ErrTimeout is recorded on a command whose effect was not observed
	// before its deadline.
	ErrTimeout = errors.New("command: timed out waiting for printer")

	// ErrSendFailed is returned when the request could not be transmitted.
	ErrSendFailed = errors.New("command: send failed")

	// ErrRejected is recorded when the printer explicitly refuses a request.
	ErrRejected = errors.New("command: rejected by printer")

	// ErrSuperseded is recorded when a newer command targets the same field.
	ErrSuperseded = errors.New("command: superseded")

	// ErrNotFound is returned by Get for unknown or expired ids.
	ErrNotFound = errors.New("command: not found")
)

// ValidationError describes a request rejected before anything was sent.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("command: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("command: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// Unwrap lets callers match ErrValidation with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}
