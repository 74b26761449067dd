package command

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a request record.
type Status string

const (
	// StatusPending means the command has been accepted but not yet executed.
	StatusPending Status = "pending"

	// StatusCompleted means the command executed successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the command failed with a classified business error.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Command is the unit of work carried from gateway to worker.
// It is the queue message body, serialized as JSON.
type Command struct {
	// RequestID is the idempotency key for this command, unique within
	// the principal's namespace.
	RequestID string `json:"request_id"`

	// PrincipalID is the authenticated subject the command acts for.
	PrincipalID string `json:"principal_id"`

	// Operation is the command type tag (e.g. "vat.SubmitReturn").
	Operation string `json:"operation"`

	// Payload is the opaque domain input, stored verbatim so the worker
	// can execute without the original HTTP request.
	Payload json.RawMessage `json:"payload"`
}

// Result is a successful domain outcome: the status code and body the
// gateway replays to every poll of the same request id.
type Result struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// NewResult builds a Result, marshaling body to JSON.
func NewResult(statusCode int, body any) (*Result, error) {
	if body == nil {
		return &Result{StatusCode: statusCode}, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: statusCode, Body: data}, nil
}

// Record is the durable lifecycle record for one logical command.
type Record struct {
	RequestID   string
	PrincipalID string
	Operation   string
	Status      Status
	Payload     json.RawMessage

	// Result is set only when Status is StatusCompleted.
	Result *Result

	// Error is set only when Status is StatusFailed.
	Error *DomainError

	CreatedAt time.Time
	UpdatedAt time.Time

	// ExpiresAt bounds retention; records are only needed for the
	// client's polling window plus a safety margin.
	ExpiresAt time.Time
}

// Terminal reports whether the record has reached a terminal state.
func (r *Record) Terminal() bool {
	return r.Status.Terminal()
}

// Outcome is the unified return of a domain handler: exactly one of
// Result or Error is set. Business failures are data, not Go errors;
// Go errors are reserved for infrastructure faults that should trigger
// queue redelivery.
type Outcome struct {
	Result *Result
	Error  *DomainError
}

// Succeeded reports whether the outcome carries a successful result.
func (o *Outcome) Succeeded() bool {
	return o.Error == nil
}

// StatusCode returns the HTTP status code of the outcome, success or not.
func (o *Outcome) StatusCode() int {
	if o.Error != nil {
		return o.Error.StatusCode
	}
	if o.Result != nil {
		return o.Result.StatusCode
	}
	return 0
}
