package download

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects an invalid submission before any worker sees it.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// RetryableError is a transient download failure. RetryAfter, when positive,
// is a lower bound on the next backoff delay.
type RetryableError struct {
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Msg, e.Err)
	}
	return "retryable: " + e.Msg
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError is a definitive download failure; the worker will not retry.
type FatalError struct {
	Msg string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Msg, e.Err)
	}
	return "fatal: " + e.Msg
}

func (e *FatalError) Unwrap() error { return e.Err }

// PipelineError wraps an unexpected failure inside a pipeline stage. Treated
// as fatal unless Retryable is set.
type PipelineError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// IsRetryable reports whether the worker should retry after err.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// RetryAfterHint extracts the gateway's retry-after hint, if any.
func RetryAfterHint(err error) time.Duration {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// ErrorType is the short class name used in failure metrics labels.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.As(err, new(*ValidationError)):
		return "validation"
	case errors.As(err, new(*RetryableError)):
		return "retryable"
	case errors.As(err, new(*FatalError)):
		return "fatal"
	case errors.As(err, new(*PipelineError)):
		return "pipeline"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unexpected"
	}
}
