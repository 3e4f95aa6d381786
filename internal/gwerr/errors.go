// Package gwerr defines the error taxonomy the engine surfaces to its
// UI: timeout, connection_failed, auth_error and unknown. Everything the
// gateway or REST collaborator can fail with is classified into one of
// these four codes before it reaches a subscriber.
package gwerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Code categorizes a failure.
type Code string

const (
	CodeTimeout          Code = "timeout"
	CodeConnectionFailed Code = "connection_failed"
	CodeAuthError        Code = "auth_error"
	CodeUnknown          Code = "unknown"
)

// Error is a classified engine error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies an existing error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the code from an error, or CodeUnknown if the error
// carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Classify maps a transport-level error onto the taxonomy. Deadline and
// timeout errors become CodeTimeout, network errors CodeConnectionFailed.
func Classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, CodeTimeout, "operation timed out")
	case isNetTimeout(err):
		return Wrap(err, CodeTimeout, "network timeout")
	case isNetError(err):
		return Wrap(err, CodeConnectionFailed, "transport failure")
	default:
		return Wrap(err, CodeUnknown, "unexpected failure")
	}
}

// ClassifyStatus maps an HTTP status code onto the taxonomy.
func ClassifyStatus(status int) Code {
	switch {
	case status == 401 || status == 403:
		return CodeAuthError
	case status == 408 || status == 504:
		return CodeTimeout
	case status >= 500:
		return CodeConnectionFailed
	default:
		return CodeUnknown
	}
}

// ClassifyMessage maps a server-provided failure message (the "message"
// field of a negative acknowledgement) onto the taxonomy.
func ClassifyMessage(msg string) Code {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"):
		return CodeAuthError
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return CodeTimeout
	default:
		return CodeUnknown
	}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
