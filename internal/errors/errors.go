// Package errors provides structured error types for the Blueplane pipeline.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryQueue      ErrorCategory = "QUEUE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryIngest     ErrorCategory = "INGEST"
	ErrCategoryWorker     ErrorCategory = "WORKER"
	ErrCategorySession    ErrorCategory = "SESSION"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Queue codes
	CodeQueueUnavailable = "QUEUE_UNAVAILABLE"
	CodeQueueTimeout     = "QUEUE_TIMEOUT"
	CodeStreamNotFound   = "STREAM_NOT_FOUND"

	// Storage codes
	CodeWriteFailed   = "WRITE_FAILED"
	CodeReadFailed    = "READ_FAILED"
	CodeTraceNotFound = "TRACE_NOT_FOUND"

	// Ingest codes
	CodeDuplicateEvent   = "DUPLICATE_EVENT"
	CodeMalformedPayload = "MALFORMED_PAYLOAD"

	// Worker codes
	CodeProcessingFailed = "PROCESSING_FAILED"
	CodeMalformedEntry   = "MALFORMED_ENTRY"

	// Session codes
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionStartFailed = "SESSION_START_FAILED"

	// Validation codes
	CodeMissingField = "MISSING_FIELD"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Transient infrastructure failures retry; structural failures never do.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsDuplicate reports whether the error marks an already-ingested event.
// Duplicates are dedup hits, not failures.
func IsDuplicate(err error) bool {
	return GetCode(err) == CodeDuplicateEvent
}

// IsMalformed reports whether the unit of work is structurally bad and must
// be skipped rather than retried.
func IsMalformed(err error) bool {
	code := GetCode(err)
	return code == CodeMalformedPayload || code == CodeMalformedEntry
}

// IsSessionNotFound reports a stray end/timeout signal for an unknown session.
func IsSessionNotFound(err error) bool {
	return GetCode(err) == CodeSessionNotFound
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryQueue && code == CodeQueueUnavailable:
		return true
	case category == ErrCategoryQueue && code == CodeQueueTimeout:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	case category == ErrCategoryWorker && code == CodeProcessingFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewQueueError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryQueue, code, message, cause)
}

func NewStorageError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewIngestError(code, message string) *PipelineError {
	return New(ErrCategoryIngest, code, message)
}

func NewWorkerError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryWorker, code, message, cause)
}

func NewSessionError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategorySession, code, message, cause)
}

func NewValidationError(code, message string) *PipelineError {
	return New(ErrCategoryValidation, code, message)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
