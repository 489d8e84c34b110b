package types

import (
	"errors"
	"fmt"
)

// Status represents the operational status of components
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Error represents an error with additional context.
// Code is either one of the ErrCode* infrastructure codes or the
// String() form of a wire ErrorCode.
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

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorf creates a new error with a formatted message
func NewErrorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewPlaneError creates an error carrying a wire error code
func NewPlaneError(code ErrorCode, message string) *Error {
	return NewError(code.String(), message)
}

// IsErrCode checks if an error, or any error it wraps, has a specific code
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

// PlaneCode maps an error onto the wire taxonomy. Errors that carry no
// wire code map to ErrInternal.
func PlaneCode(err error) ErrorCode {
	if code, ok := ParseErrorCode(GetErrorCode(err)); ok {
		return code
	}
	switch GetErrorCode(err) {
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeNotFound:
		return ErrNotFound
	case ErrCodeAlreadyExists:
		return ErrConflict
	case ErrCodeUnavailable:
		return ErrUnavailable
	case ErrCodeTimeout:
		return ErrTimeout
	case ErrCodeRateLimited:
		return ErrRateLimited
	case ErrCodeResourceExhausted:
		return ErrResourceExhausted
	}
	return ErrInternal
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
)
