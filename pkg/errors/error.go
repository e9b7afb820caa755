// Package errors provides unified error handling for apnshub
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code represents an error code for categorization
type Code string

// NotifyError represents a unified error with code, message, and context
type NotifyError struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   string         `json:"details,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Cause     error          `json:"-"`
}

// Error implements the error interface
func (e *NotifyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error
func (e *NotifyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a NotifyError with the same code
func (e *NotifyError) Is(target error) bool {
	if t, ok := target.(*NotifyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context information to the error
func (e *NotifyError) WithContext(key string, value any) *NotifyError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *NotifyError) WithDetails(details string) *NotifyError {
	e.Details = details
	return e
}

// New creates a new NotifyError
func New(code Code, message string) *NotifyError {
	return &NotifyError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a new NotifyError with a formatted message
func Newf(code Code, format string, args ...any) *NotifyError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a NotifyError
func Wrap(cause error, code Code, message string) *NotifyError {
	return &NotifyError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(cause error, code Code, format string, args ...any) *NotifyError {
	return Wrap(cause, code, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the outermost NotifyError in err's chain.
func CodeOf(err error) (Code, bool) {
	var ne *NotifyError
	if errors.As(err, &ne) {
		return ne.Code, true
	}
	return "", false
}
