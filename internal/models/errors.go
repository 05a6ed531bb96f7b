package models

import (
	"errors"
	"fmt"
)

// Code classifies an engine error for transport-level mapping. Validation,
// authorization, not-found and conflict codes are always produced before any
// state mutation; DEPENDENCY_FAILED marks a bounded external call that did
// not complete.
type Code string

const (
	CodeInvalidTripData Code = "INVALID_TRIP_DATA"
	CodeValidation      Code = "VALIDATION_FAILED"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeCapacity        Code = "CAPACITY_EXCEEDED"
	CodeTripNotOpen     Code = "TRIP_NOT_OPEN"
	CodeAlreadyDecided  Code = "ALREADY_DECIDED"
	CodeAlreadyReported Code = "ALREADY_REPORTED"
	CodeConflict        Code = "CONFLICT"
	CodeDependency      Code = "DEPENDENCY_FAILED"
)

// Error is the coded error returned by every engine operation.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapDependency marks a failed or timed-out external call.
func WrapDependency(err error, format string, args ...any) *Error {
	return &Error{Code: CodeDependency, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the engine code from err, or "" for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
