package tracker

import (
	"errors"
	"fmt"

	"github.com/promptlab/promptlab/internal/trace"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("trace not found")
	ErrAccessDenied = errors.New("access denied")
	ErrConflict     = errors.New("trace state conflict")
	ErrStore        = errors.New("trace store failure")
)

// ValidationError reports a malformed or out-of-range input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	TraceID string
	SpanID  string
}

func (e *NotFoundError) Error() string {
	if e.SpanID != "" {
		return fmt.Sprintf("span %q of trace %q not found", e.SpanID, e.TraceID)
	}
	return fmt.Sprintf("trace %q not found", e.TraceID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AccessDeniedError means the caller neither owns the trace nor holds a
// privileged role.
type AccessDeniedError struct {
	TraceID  string
	CallerID string
}

func (e *AccessDeniedError) Error() string {
	if e.TraceID == "" {
		return "access denied"
	}
	return fmt.Sprintf("access to trace %q denied", e.TraceID)
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// ConflictError rejects a write the state machine does not allow. Current is
// the status the trace held when the write was refused.
type ConflictError struct {
	TraceID string
	Current trace.Status
	Reason  string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("trace %q is %s", e.TraceID, e.Current)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StoreError wraps a persistence failure. Callers see it as opaque.
type StoreError struct {
	Op      string
	TraceID string
	Err     error
}

func (e *StoreError) Error() string {
	if e.TraceID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s trace %q: %v", e.Op, e.TraceID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }
