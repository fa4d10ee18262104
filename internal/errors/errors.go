package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type used across vectorsync.
// It carries enough classification for the sync engine to decide between
// retrying, halting a partition, or degrading an index.
type Error struct {
	// Code is the unique error code (e.g., "ERR_402_SCHEMA_MISMATCH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrTransientStream   = &Error{Code: ErrCodeTransientStream}
	ErrScanFailed        = &Error{Code: ErrCodeScanFailed}
	ErrCheckpointPersist = &Error{Code: ErrCodeCheckpointPersist}
	ErrSchemaMismatch    = &Error{Code: ErrCodeSchemaMismatch}
	ErrInvalidQuery      = &Error{Code: ErrCodeInvalidQuery}
	ErrIndexNotFound     = &Error{Code: ErrCodeIndexNotFound}
	ErrIndexExists       = &Error{Code: ErrCodeIndexExists}
	ErrIndexCapacity     = &Error{Code: ErrCodeIndexCapacity}
	ErrIndexCorrupt      = &Error{Code: ErrCodeIndexCorrupt}
	ErrIndexDegraded     = &Error{Code: ErrCodeIndexDegraded}
	ErrQueryTimeout      = &Error{Code: ErrCodeQueryTimeout}
	ErrClosed            = &Error{Code: ErrCodeClosed}
)

// TransientStreamError reports a network or timeout failure on the change stream.
func TransientStreamError(message string, cause error) *Error {
	return New(ErrCodeTransientStream, message, cause)
}

// ScanError reports a failed row-scan page.
func ScanError(message string, cause error) *Error {
	return New(ErrCodeScanFailed, message, cause)
}

// CheckpointPersistError reports a failed durable checkpoint write.
func CheckpointPersistError(message string, cause error) *Error {
	return New(ErrCodeCheckpointPersist, message, cause)
}

// SchemaMismatchError reports a malformed change record.
func SchemaMismatchError(message string) *Error {
	return New(ErrCodeSchemaMismatch, message, nil)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if any error in the chain is an *Error with Retryable set.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors must stop the owning partition or index.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the chain.
// Returns empty string if no *Error is present.
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}
