// Package errors provides structured error handling for vectorsync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (checkpoint store, archive)
//   - 3XX: Network errors (change stream, row scan)
//   - 4XX: Validation errors
//   - 5XX: Internal errors (index core, queries)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates storage and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network-related errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error for the owning component.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeCheckpointPersist = "ERR_201_CHECKPOINT_PERSIST"
	ErrCodeArchiveIO         = "ERR_202_ARCHIVE_IO"
	ErrCodeDataDirLocked     = "ERR_203_DATA_DIR_LOCKED"

	// Network errors (300-399)
	ErrCodeTransientStream = "ERR_301_TRANSIENT_STREAM"
	ErrCodeScanFailed      = "ERR_302_SCAN_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidInput   = "ERR_401_INVALID_INPUT"
	ErrCodeSchemaMismatch = "ERR_402_SCHEMA_MISMATCH"
	ErrCodeInvalidQuery   = "ERR_403_INVALID_QUERY"
	ErrCodeIndexNotFound  = "ERR_404_INDEX_NOT_FOUND"
	ErrCodeIndexExists    = "ERR_405_INDEX_EXISTS"

	// Internal errors (500-599)
	ErrCodeInternal      = "ERR_501_INTERNAL"
	ErrCodeIndexCapacity = "ERR_502_INDEX_CAPACITY"
	ErrCodeIndexCorrupt  = "ERR_503_INDEX_CORRUPT"
	ErrCodeIndexDegraded = "ERR_504_INDEX_DEGRADED"
	ErrCodeQueryTimeout  = "ERR_505_QUERY_TIMEOUT"
	ErrCodeClosed        = "ERR_506_CLOSED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_NOT_FOUND")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeSchemaMismatch, ErrCodeIndexCapacity, ErrCodeIndexCorrupt, ErrCodeDataDirLocked:
		return SeverityFatal
	}

	// Retryable errors get warning severity
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTransientStream, ErrCodeScanFailed, ErrCodeCheckpointPersist, ErrCodeArchiveIO:
		return true
	default:
		return false
	}
}
