// Package errors provides structured error types for orderlake.
// All errors include a category, code, message, and retryable flag so the
// batch job and the stream coordinators can decide whether to retry, fail
// the file, or halt.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure class.
type ErrorCategory string

const (
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"
	ErrCategoryParse         ErrorCategory = "PARSE"
	ErrCategorySchema        ErrorCategory = "SCHEMA"
	ErrCategoryCommit        ErrorCategory = "COMMIT"
	ErrCategoryCheckpoint    ErrorCategory = "CHECKPOINT"
	ErrCategoryNotFound      ErrorCategory = "NOT_FOUND"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Configuration codes
	CodeInvalidLayout  = "INVALID_LAYOUT"
	CodeInvalidMapping = "INVALID_MAPPING"
	CodeInvalidConfig  = "INVALID_CONFIG"

	// Parse codes
	CodeParseFailure = "PARSE_FAILURE"
	CodeCastFailure  = "CAST_FAILURE"

	// Schema codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"

	// Commit codes
	CodeCommitFailed        = "COMMIT_FAILED"
	CodeUploadFailed        = "UPLOAD_FAILED"
	CodeDuplicateAppendRisk = "DUPLICATE_APPEND_RISK"

	// Checkpoint codes
	CodeCheckpointFailed = "CHECKPOINT_FAILED"

	// Not found codes
	CodeTableNotFound = "TABLE_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Detail keys used to attribute failures to their origin.
const (
	DetailFile   = "file"
	DetailLine   = "line"
	DetailColumn = "column"
	DetailRow    = "row"
	DetailValue  = "value"
	DetailCommit = "commit_id"
	DetailTable  = "table"
)

// OrderlakeError is the structured error type used throughout the system.
type OrderlakeError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *OrderlakeError) Error() string {
	msg := e.Message
	if loc := e.location(); loc != "" {
		msg = msg + " (" + loc + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, msg)
}

// location renders the file/line/column details, if any.
func (e *OrderlakeError) location() string {
	if len(e.Details) == 0 {
		return ""
	}
	var out string
	for _, k := range []string{DetailFile, DetailLine, DetailColumn} {
		v, ok := e.Details[k]
		if !ok {
			continue
		}
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, v)
	}
	return out
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *OrderlakeError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *OrderlakeError) Is(target error) bool {
	var t *OrderlakeError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new OrderlakeError.
func New(category ErrorCategory, code, message string) *OrderlakeError {
	return &OrderlakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new OrderlakeError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *OrderlakeError {
	return &OrderlakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *OrderlakeError) WithDetails(details map[string]interface{}) *OrderlakeError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// WithFile returns a copy of the error attributed to a source file.
func (e *OrderlakeError) WithFile(file string) *OrderlakeError {
	return e.WithDetails(map[string]interface{}{DetailFile: file})
}

// Detail returns a single detail value.
func (e *OrderlakeError) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var oe *OrderlakeError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an OrderlakeError.
func GetCategory(err error) ErrorCategory {
	var oe *OrderlakeError
	if errors.As(err, &oe) {
		return oe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an OrderlakeError.
func GetCode(err error) string {
	var oe *OrderlakeError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// As extracts the first OrderlakeError from an error chain.
func As(err error) (*OrderlakeError, bool) {
	var oe *OrderlakeError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// isRetryable determines if an error code is retryable. Only commit-side
// failures are retried; everything else is deterministic given the input.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryCommit && code == CodeCommitFailed:
		return true
	case category == ErrCategoryCommit && code == CodeUploadFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching on category and code.
var (
	ErrConfiguration       = New(ErrCategoryConfiguration, CodeInvalidConfig, "")
	ErrParseFailure        = New(ErrCategoryParse, CodeParseFailure, "")
	ErrCastFailure         = New(ErrCategoryParse, CodeCastFailure, "")
	ErrSchemaMismatch      = New(ErrCategorySchema, CodeSchemaMismatch, "")
	ErrCommitFailure       = New(ErrCategoryCommit, CodeCommitFailed, "")
	ErrDuplicateAppendRisk = New(ErrCategoryCommit, CodeDuplicateAppendRisk, "")
	ErrTableNotFound       = New(ErrCategoryNotFound, CodeTableNotFound, "")
)

// Convenience constructors for common errors.

func NewConfigurationError(code, message string) *OrderlakeError {
	return New(ErrCategoryConfiguration, code, message)
}

func NewParseFailure(file string, line int, message string, cause error) *OrderlakeError {
	return Wrap(ErrCategoryParse, CodeParseFailure, message, cause).WithDetails(map[string]interface{}{
		DetailFile: file,
		DetailLine: line,
	})
}

func NewCastFailure(column string, value interface{}, cause error) *OrderlakeError {
	return Wrap(ErrCategoryParse, CodeCastFailure, "cannot cast value", cause).WithDetails(map[string]interface{}{
		DetailColumn: column,
		DetailValue:  value,
	})
}

func NewSchemaMismatch(message string) *OrderlakeError {
	return New(ErrCategorySchema, CodeSchemaMismatch, message)
}

func NewCommitFailure(message string, cause error) *OrderlakeError {
	return Wrap(ErrCategoryCommit, CodeCommitFailed, message, cause)
}

func NewUploadFailure(message string, cause error) *OrderlakeError {
	return Wrap(ErrCategoryCommit, CodeUploadFailed, message, cause)
}

func NewDuplicateAppendRisk(table, key, commitID string) *OrderlakeError {
	return New(ErrCategoryCommit, CodeDuplicateAppendRisk, "batch already committed under key "+key).WithDetails(map[string]interface{}{
		DetailTable:  table,
		DetailCommit: commitID,
	})
}

func NewCheckpointError(message string, cause error) *OrderlakeError {
	return Wrap(ErrCategoryCheckpoint, CodeCheckpointFailed, message, cause)
}

func NewTableNotFound(table string) *OrderlakeError {
	return New(ErrCategoryNotFound, CodeTableNotFound, "table "+table+" does not exist").WithDetails(map[string]interface{}{
		DetailTable: table,
	})
}

func NewInternalError(message string, cause error) *OrderlakeError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
