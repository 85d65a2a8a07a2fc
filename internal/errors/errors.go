// Package errors provides structured error types for the Tessera engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by engine component.
type ErrorCategory string

const (
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryEvaluation ErrorCategory = "EVALUATION"
	ErrCategoryExecution  ErrorCategory = "EXECUTION"
	ErrCategoryMerge      ErrorCategory = "MERGE"
	ErrCategorySource     ErrorCategory = "SOURCE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeInvalidPartitionSize = "INVALID_PARTITION_SIZE"
	CodeInvalidConcurrency   = "INVALID_CONCURRENCY"
	CodeInvalidOption        = "INVALID_OPTION"

	// Schema codes
	CodeUnknownColumn    = "UNKNOWN_COLUMN"
	CodeTypeMismatch     = "TYPE_MISMATCH"
	CodeDuplicateColumn  = "DUPLICATE_COLUMN"
	CodeEmptySchema      = "EMPTY_SCHEMA"
	CodeInvalidAggregate = "INVALID_AGGREGATE"

	// Evaluation codes
	CodePredicateFailed  = "PREDICATE_FAILED"
	CodeProjectionFailed = "PROJECTION_FAILED"
	CodeBadRecord        = "BAD_RECORD"

	// Execution codes
	CodePartitionLoadFailed = "PARTITION_LOAD_FAILED"
	CodeTaskCanceled        = "TASK_CANCELED"

	// Merge codes
	CodeKindMismatch  = "KIND_MISMATCH"
	CodeShapeMismatch = "SHAPE_MISMATCH"

	// Source codes
	CodeOpenFailed        = "OPEN_FAILED"
	CodeDecodeFailed      = "DECODE_FAILED"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeCatalogFailed  = "CATALOG_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TesseraError is the structured error type used throughout the engine.
type TesseraError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TesseraError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TesseraError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TesseraError) Is(target error) bool {
	var t *TesseraError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TesseraError.
func New(category ErrorCategory, code, message string) *TesseraError {
	return &TesseraError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TesseraError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TesseraError {
	return &TesseraError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TesseraError) WithDetails(details map[string]interface{}) *TesseraError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TesseraError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TesseraError.
func GetCategory(err error) ErrorCategory {
	var te *TesseraError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TesseraError.
func GetCode(err error) string {
	var te *TesseraError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Only object storage
// transfers qualify: everything else in a run is deterministic, so retrying
// without a fix would fail the same way.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *TesseraError {
	return New(ErrCategoryConfig, code, message)
}

func NewSchemaError(code, message string) *TesseraError {
	return New(ErrCategorySchema, code, message)
}

func NewEvaluationError(code, message string, cause error) *TesseraError {
	return Wrap(ErrCategoryEvaluation, code, message, cause)
}

func NewExecutionError(code, message string, cause error) *TesseraError {
	return Wrap(ErrCategoryExecution, code, message, cause)
}

func NewMergeError(code, message string) *TesseraError {
	return New(ErrCategoryMerge, code, message)
}

func NewSourceError(code, message string, cause error) *TesseraError {
	return Wrap(ErrCategorySource, code, message, cause)
}

func NewStorageError(code, message string, cause error) *TesseraError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *TesseraError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
