// Package errors provides structured error types for the Strata metadata
// service. All errors include a category, code, message, and retryable flag
// for consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryPoll       ErrorCategory = "POLL"
	ErrCategoryRetention  ErrorCategory = "RETENTION"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeSegmentNotFound = "SEGMENT_NOT_FOUND"
	CodeWrongDataSource = "WRONG_DATASOURCE"
	CodeInvalidInterval = "INVALID_INTERVAL"
	CodeInvalidConfig   = "INVALID_CONFIG"

	// Store codes
	CodeScanFailed   = "SCAN_FAILED"
	CodeUpdateFailed = "UPDATE_FAILED"
	CodeCorruptRow   = "CORRUPT_ROW"

	// Poll codes
	CodePollFailed = "POLL_FAILED"
	CodeNotStarted = "NOT_STARTED"

	// Retention codes
	CodeDeleteFailed = "DELETE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StrataError is the structured error type used throughout the system.
type StrataError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StrataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StrataError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StrataError) Is(target error) bool {
	var t *StrataError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StrataError.
func New(category ErrorCategory, code, message string) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new StrataError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *StrataError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new StrataError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsValidation reports whether the error chain carries an invalid-input error.
func IsValidation(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StrataError.
func GetCategory(err error) ErrorCategory {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a StrataError.
func GetCode(err error) string {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Transient store and
// poll failures are retried by the next schedule tick or on-demand call;
// invalid input never is.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeScanFailed:
		return true
	case category == ErrCategoryStore && code == CodeUpdateFailed:
		return true
	case category == ErrCategoryPoll && code == CodePollFailed:
		return true
	case category == ErrCategoryRetention && code == CodeDeleteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *StrataError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *StrataError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewPollError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryPoll, CodePollFailed, message, cause)
}

func NewInternalError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
