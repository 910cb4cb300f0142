package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error so callers know whether to retry, regenerate a
// proof or abandon the request.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeVerificationRejected Code = "VERIFICATION_REJECTED"
	CodeVerificationTimeout  Code = "VERIFICATION_TIMEOUT"
	CodeTransientNetwork     Code = "TRANSIENT_NETWORK_ERROR"
	CodeUpstream             Code = "UPSTREAM_ERROR"
	CodeVKRegistration       Code = "VK_REGISTRATION_FAILED"
	CodeIntegrity            Code = "INTEGRITY_ERROR"
	CodeExecutionReverted    Code = "EXECUTION_REVERTED"
	CodeDatabase             Code = "DATABASE_ERROR"
)

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrConflict             = &Error{Code: CodeConflict}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument}
	ErrVerificationRejected = &Error{Code: CodeVerificationRejected}
	ErrVerificationTimeout  = &Error{Code: CodeVerificationTimeout}
	ErrTransientNetwork     = &Error{Code: CodeTransientNetwork}
	ErrUpstream             = &Error{Code: CodeUpstream}
	ErrVKRegistration       = &Error{Code: CodeVKRegistration}
	ErrIntegrity            = &Error{Code: CodeIntegrity}
	ErrExecutionReverted    = &Error{Code: CodeExecutionReverted}
	ErrDatabase             = &Error{Code: CodeDatabase}
)

// Error represents an error surfaced to the calling boundary
type Error struct {
	Code    Code
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code
func New(code Code, message, detail string) *Error {
	return &Error{Code: code, Message: message, Detail: detail}
}

// Newf creates an error with a formatted detail
func Newf(code Code, message, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: message, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when err
// carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NotFound is a shorthand for the most common lookup failure
func NotFound(entity, id string) *Error {
	return Newf(CodeNotFound, entity+" does not exist", "%s with id %s does not exist", entity, id)
}

// Conflict is a shorthand for rejected state changes
func Conflict(message, detail string) *Error {
	return New(CodeConflict, message, detail)
}

// InvalidArgument is a shorthand for request validation failures
func InvalidArgument(detail string) *Error {
	return New(CodeInvalidArgument, "Invalid request", detail)
}
