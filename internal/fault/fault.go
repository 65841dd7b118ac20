// Package fault defines the error taxonomy shared by executors, the apply
// orchestrator and the API surface.
package fault

import (
	"errors"
	"fmt"
)

type Category string

const (
	UserInput Category = "USER_INPUT"
	Config    Category = "CONFIG"
	Upstream  Category = "UPSTREAM"
	DB        Category = "DB"
	Unknown   Category = "UNKNOWN"
)

// Error is a normalized failure. Message is user-facing; Details is for
// logs and audit only.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Details   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func New(cat Category, code, message string) *Error {
	return &Error{Category: cat, Code: code, Message: message, Retryable: cat == Upstream}
}

func Newf(cat Category, code, format string, args ...any) *Error {
	return New(cat, code, fmt.Sprintf(format, args...))
}

// WithDetails attaches internal detail and returns the error for chaining.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// UpstreamHTTP builds the failure for a non-2xx or transport-level Tool
// Invoker response.
func UpstreamHTTP(tool string, status int, body string) *Error {
	return &Error{
		Category:  Upstream,
		Code:      "tool_invocation_failed",
		Message:   fmt.Sprintf("tool %s failed with status %d", tool, status),
		Details:   body,
		Retryable: true,
	}
}

// Normalize coerces any error into a *Error, mapping unrecognized errors to
// the UNKNOWN category.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{
		Category: Unknown,
		Code:     "internal",
		Message:  err.Error(),
	}
}

// CategoryOf reports the category of err, Unknown if untyped.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return Unknown
}
