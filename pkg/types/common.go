package types

import (
	"errors"
)

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code. This lets
// callers match against the sentinel errors below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error, or any error it wraps, has a specific error code
func IsErrCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	// ErrCodeShouldWait means the operation cannot proceed yet; wait on the
	// handle's signals or poll again.
	ErrCodeShouldWait = "SHOULD_WAIT"

	// ErrCodeInvalidArgument covers misaligned byte counts, unknown flags and
	// handles that do not support the requested operation.
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"

	// ErrCodeOutOfRange is returned by all-or-none requests that cannot be
	// satisfied with the data or space currently available.
	ErrCodeOutOfRange = "OUT_OF_RANGE"

	// ErrCodeAlreadyExists is returned when a waiter is already registered or
	// the awaited signals are already satisfied.
	ErrCodeAlreadyExists = "ALREADY_EXISTS"

	// ErrCodeFailedPrecondition means the peer has permanently gone away or
	// the awaited signals can never be satisfied.
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"

	ErrCodeBusy              = "BUSY"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeUnimplemented     = "UNIMPLEMENTED"
	ErrCodeInvalid           = "INVALID"
)

// Sentinel errors for errors.Is matching. Only the code is compared.
var (
	ErrShouldWait         = &Error{Code: ErrCodeShouldWait}
	ErrInvalidArgument    = &Error{Code: ErrCodeInvalidArgument}
	ErrOutOfRange         = &Error{Code: ErrCodeOutOfRange}
	ErrAlreadyExists      = &Error{Code: ErrCodeAlreadyExists}
	ErrFailedPrecondition = &Error{Code: ErrCodeFailedPrecondition}
	ErrBusy               = &Error{Code: ErrCodeBusy}
	ErrTimeout            = &Error{Code: ErrCodeTimeout}
	ErrCanceled           = &Error{Code: ErrCodeCanceled}
	ErrUnavailable        = &Error{Code: ErrCodeUnavailable}
)

// IsShouldWait reports whether err asks the caller to wait and retry
func IsShouldWait(err error) bool {
	return IsErrCode(err, ErrCodeShouldWait)
}

// IsPeerClosed reports whether err means the other side has gone away
func IsPeerClosed(err error) bool {
	return IsErrCode(err, ErrCodeFailedPrecondition)
}
