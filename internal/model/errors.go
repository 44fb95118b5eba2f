package model

import (
	"errors"
	"fmt"
)

// Code classifies a failure for callers that map errors onto a transport.
type Code string

const (
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotEligible  Code = "NOT_ELIGIBLE"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeInternal     Code = "INTERNAL"
)

// Error carries a logical code alongside a human message and optional cause.
// Components return these across boundaries; the embedding surface maps the
// code to its transport of choice.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can test
// errors.Is(err, &Error{Code: CodeNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NotFoundf builds a NOT_FOUND error.
func NotFoundf(format string, args ...interface{}) error {
	return &Error{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a CONFLICT error (invariant violations such as the
// variant allocation sum).
func Conflictf(format string, args ...interface{}) error {
	return &Error{Code: CodeConflict, Msg: fmt.Sprintf(format, args...)}
}

// InvalidInputf builds an INVALID_INPUT error.
func InvalidInputf(format string, args ...interface{}) error {
	return &Error{Code: CodeInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

// NotEligiblef builds a NOT_ELIGIBLE error (experiment not active or
// outside its scheduled window).
func NotEligiblef(format string, args ...interface{}) error {
	return &Error{Code: CodeNotEligible, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a transient storage failure for caller retry.
func Unavailable(msg string, err error) error {
	return &Error{Code: CodeUnavailable, Msg: msg, Err: err}
}

// Internal wraps a bug-class failure.
func Internal(msg string, err error) error {
	return &Error{Code: CodeInternal, Msg: msg, Err: err}
}

// CodeOf extracts the logical code, defaulting to INTERNAL for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given logical code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
