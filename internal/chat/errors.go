package chat

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorInvalidState ErrorCode = "INVALID_STATE"
	ErrorUpstream     ErrorCode = "UPSTREAM_FAILURE"
	ErrorValidation   ErrorCode = "VALIDATION_ERROR"
)

// Error is the typed failure of a chat operation. Reason is a stable
// snake_case detail suitable for logs and API responses.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether repeating the same action may succeed.
func (e *Error) Retryable() bool {
	return e != nil && e.Code == ErrorUpstream
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a chat
// error.
func CodeOf(err error) ErrorCode {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Code
	}
	return ""
}

// IsValidation reports whether err is a local input rejection that callers
// are expected to suppress.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrorValidation
}
