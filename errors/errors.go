// Package errors provides custom error types for the sync engine
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a sync error for propagation decisions.
type Kind string

const (
	// KindTransient covers connection and timeout failures. Retried with
	// exponential backoff up to the configured maximum, then surfaced.
	KindTransient Kind = "transient"

	// KindConflict marks a version conflict. Never retried blindly; always
	// routed through the conflict resolver.
	KindConflict Kind = "conflict"

	// KindValidation marks server rejection of operation content. Fatal for
	// that operation; surfaced to the caller.
	KindValidation Kind = "validation"

	// KindSerialization marks data that fails to round-trip through JSON.
	// Treated as local data corruption.
	KindSerialization Kind = "serialization"

	// KindStorage marks local queue or metadata store failures.
	KindStorage Kind = "storage"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure       ErrorCode = "NETWORK_FAILURE"
	ErrCodeVersionConflict      ErrorCode = "VERSION_CONFLICT"
	ErrCodeValidationFailure    ErrorCode = "VALIDATION_FAILURE"
	ErrCodeSerializationFailure ErrorCode = "SERIALIZATION_FAILURE"
	ErrCodeStorageFailure       ErrorCode = "STORAGE_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync         Operation = "sync"
	OpEnqueue      Operation = "enqueue"
	OpDispatch     Operation = "dispatch"
	OpSendBatch    Operation = "send_batch"
	OpApplyResults Operation = "apply_results"
	OpApplyChanges Operation = "apply_changes"
	OpResolve      Operation = "resolve"
	OpMerge        Operation = "merge"
	OpQueue        Operation = "queue"
	OpMetadata     Operation = "metadata"
	OpCursor       Operation = "cursor"
	OpClose        Operation = "close"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "queue", "transport")
	Component string

	// Kind classifies the failure for propagation decisions
	Kind Kind

	// Error code for the error type
	Code ErrorCode

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a retryable network-related SyncError
func NewTransientError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Kind:      KindTransient,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a version-conflict SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeVersionConflict,
		Kind:      KindConflict,
		Op:        op,
		Component: "resolver",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewSerializationError creates a serialization-related SyncError
func NewSerializationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeSerializationFailure,
		Kind:      KindSerialization,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindStorage,
		Op:        op,
		Component: "queue",
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report an empty Kind.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsConflict reports whether the error chain contains a version conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}
