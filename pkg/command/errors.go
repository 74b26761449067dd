package command

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned when no record exists for a request id.
	ErrRecordNotFound = errors.New("request record not found")

	// ErrAlreadyFinalized is returned when a terminal write loses the
	// conditional update: another writer finalized the record first. This
	// is expected under at-least-once delivery and the loser must discard
	// its result silently.
	ErrAlreadyFinalized = errors.New("request record already finalized")

	// ErrOperationNotFound is returned when no handler is registered for
	// an operation tag.
	ErrOperationNotFound = errors.New("operation handler not found")

	// ErrInvalidCommand is returned when a command is structurally invalid.
	ErrInvalidCommand = errors.New("invalid command")
)

// DomainError is a classified business failure. It is terminal data on the
// record, replayed to clients with its status code, and never retried.
type DomainError struct {
	// Code is a stable machine-readable error code (e.g. "VALIDATION_FAILED").
	Code string `json:"code"`

	// StatusCode is the HTTP status the gateway replays (4xx-shaped).
	StatusCode int `json:"status_code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details carries optional field-level context.
	Details map[string]string `json:"details,omitempty"`
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s (code: %s)", e.Message, e.Code)
}

// NewDomainError creates a DomainError with the given classification.
func NewDomainError(code string, statusCode int, message string) *DomainError {
	return &DomainError{
		Code:       code,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewValidationError creates a 400-shaped DomainError with field details.
func NewValidationError(message string, details map[string]string) *DomainError {
	return &DomainError{
		Code:       "VALIDATION_FAILED",
		StatusCode: 400,
		Message:    message,
		Details:    details,
	}
}
