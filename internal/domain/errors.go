package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for error classification with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrQueueFull      = errors.New("queue full")
	ErrValidation     = errors.New("invalid request")
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrPipeline       = errors.New("pipeline failure")
	ErrTimeout        = errors.New("generation timed out")
	ErrResultNotReady = errors.New("result not ready")
	ErrNotCancellable = errors.New("job cannot be cancelled")
)

// Error is a coded error suitable for API responses: a stable machine code,
// a human message, optional details and a recovery suggestion.
type Error struct {
	Code       string         `json:"error"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`

	sentinel error
}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return e.Message + " | " + e.Suggestion
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.sentinel }

// NewValidationError reports a bad request field. Rejected before enqueue;
// never reaches the worker.
func NewValidationError(field, message string) *Error {
	return &Error{
		Code:     "VALIDATION_ERROR",
		Message:  message,
		Details:  map[string]any{"field": field},
		sentinel: ErrValidation,
	}
}

// NewQueueFullError is the backpressure signal returned to submitters.
func NewQueueFullError(size, max int) *Error {
	return &Error{
		Code:       "QUEUE_FULL",
		Message:    fmt.Sprintf("request queue is full (%d/%d)", size, max),
		Details:    map[string]any{"queue_size": size, "max_size": max},
		Suggestion: "wait for current requests to complete or reduce request rate",
		sentinel:   ErrQueueFull,
	}
}

// NewLoRAError reports an adapter reference that is not in the registry.
func NewLoRAError(name string) *Error {
	return &Error{
		Code:       "LORA_ERROR",
		Message:    fmt.Sprintf("unknown adapter %q", name),
		Details:    map[string]any{"adapter_name": name},
		Suggestion: "list available adapters via GET /adapters",
		sentinel:   ErrUnknownAdapter,
	}
}

// NewPipelineError wraps a failure from the external model invocation.
func NewPipelineError(message string) *Error {
	return &Error{
		Code:     "PIPELINE_ERROR",
		Message:  message,
		sentinel: ErrPipeline,
	}
}

// NewTimeoutError reports that a job exceeded its wall-clock budget.
func NewTimeoutError(budget time.Duration) *Error {
	return &Error{
		Code:       "TIMEOUT_ERROR",
		Message:    fmt.Sprintf("generation timed out after %s", budget),
		Details:    map[string]any{"timeout_seconds": budget.Seconds()},
		Suggestion: "reduce resolution or step count, or increase the job timeout",
		sentinel:   ErrTimeout,
	}
}
