package reporter

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a beacon or a flush attempt failed.
type ErrorCode int

const (
	// CodeOffline means no connection was available.
	CodeOffline ErrorCode = iota + 1
	// CodeSuspendedByPolicy means the configured connection or power
	// policy forbids sending right now.
	CodeSuspendedByPolicy
	// CodeNotAuthenticated means no application key is configured.
	CodeNotAuthenticated
	// CodeTransportFailure means the request did not produce a response.
	CodeTransportFailure
	// CodeInvalidResponse means the collector answered with a non-2xx status.
	CodeInvalidResponse
	// CodeMappingFailure means a record could not be converted to its
	// wire form. It is the only code whose record is dropped.
	CodeMappingFailure
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOffline:
		return "offline"
	case CodeSuspendedByPolicy:
		return "suspended"
	case CodeNotAuthenticated:
		return "not_authenticated"
	case CodeTransportFailure:
		return "transport_failure"
	case CodeInvalidResponse:
		return "invalid_response"
	case CodeMappingFailure:
		return "mapping_failure"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is the error type surfaced by the reporter. errors.Is matches
// any two Errors with the same Code, so callers test against the
// sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Sentinels for errors.Is.
var (
	ErrOffline          = &Error{Code: CodeOffline}
	ErrSuspended        = &Error{Code: CodeSuspendedByPolicy}
	ErrNotAuthenticated = &Error{Code: CodeNotAuthenticated}
	ErrTransport        = &Error{Code: CodeTransportFailure}
	ErrInvalidResponse  = &Error{Code: CodeInvalidResponse}
	ErrMapping          = &Error{Code: CodeMappingFailure}
)

// ErrClosed is returned by FlushAndWait after Close.
var ErrClosed = errors.New("reporter closed")

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the beacons involved stay queued for a
// later attempt.
func (e *Error) Retryable() bool {
	return e.Code != CodeMappingFailure
}

// outcome returns the metrics label for err.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code.String()
	}
	return "storage_failure"
}
