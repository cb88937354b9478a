// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99)
//   - Validation errors (100-199): invalid quotes, ticks, bars, sizes
//   - Timeframe/aggregation errors (200-299): granularity, stale updates
//   - Market routing errors (300-399): unknown symbols, time regression
//   - Trade lifecycle errors (400-499): transitions, stop levels, volume
//   - Execution errors (500-599): intrabar ambiguity, stop orders, fills
//   - Journal errors (600-699): run journal and report export
//   - Feeder errors (700-799): data feed open/parse failures
//
// Usage:
//
//	err := errors.New(errors.ErrCodeUnknownInstrument, "no such symbol")
//	err := errors.Newf(errors.ErrCodeStaleUpdate, "tick at %s is in the past", ts)
//	err := errors.Wrap(errors.ErrCodeJournalWriteFailed, "insert failed", cause)
//	if errors.HasCode(err, errors.ErrCodeIntrabarAmbiguity) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error is an error carrying a typed code and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error carrying the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error carrying the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from an error if it's an *Error type.
// Returns ErrCodeUnknown otherwise.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// HasCode checks if an error has a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsFatal reports whether err carries a code that must abort the whole run.
func IsFatal(err error) bool {
	return IsFatalCode(GetCode(err))
}
