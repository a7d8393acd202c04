package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates the request failed pre-execution validation.
	// The execution is rejected; it is never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict indicates a target resource conflict.
	// Examples: another execution holds the target lock, queue saturation.
	// The caller may retry after the conflicting execution completes.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: provider API timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: resource not found, permission denied, handler bug.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassHealthDegraded indicates post-change health fell below the
	// configured threshold. Always triggers rollback.
	ErrorClassHealthDegraded ErrorClass = "health_degraded"

	// ErrorClassRollbackFailed indicates the rollback itself failed.
	// Fatal: the execution requires manual intervention.
	ErrorClassRollbackFailed ErrorClass = "rollback_failed"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Target is the target resource ID that caused the error, if applicable.
	Target string `json:"target,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Stage is the rollout stage percentage at which the error occurred, if any.
	Stage int `json:"stage,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Target != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (target=%s, operation=%s): %s",
			e.Class, e.Message, e.Target, e.Operation, e.unwrapMessage())
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target=%s): %s",
			e.Class, e.Message, e.Target, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewHealthDegradedError creates a new health degradation error.
func NewHealthDegradedError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassHealthDegraded,
		Message: message,
		Err:     err,
	}
}

// NewRollbackFailedError creates a new rollback failure error.
func NewRollbackFailedError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRollbackFailed,
		Message: message,
		Err:     err,
	}
}

// WithTarget adds target resource context to an error.
func (e *EngineError) WithTarget(targetID string) *EngineError {
	e.Target = targetID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithStage adds the rollout stage percentage to an error.
func (e *EngineError) WithStage(stage int) *EngineError {
	e.Stage = stage
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsValidation returns true if the error is classified as a validation failure.
func IsValidation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsHealthDegraded returns true if the error is a health degradation.
func IsHealthDegraded(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassHealthDegraded
	}
	return false
}

// IsRollbackFailed returns true if the error is a rollback failure.
func IsRollbackFailed(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRollbackFailed
	}
	return false
}

// IsRetryable returns true if the engine may retry the operation itself.
// Only transient errors are retried in place; conflicts surface to the
// caller, who retries after the conflicting execution completes.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeLockHeld          = "LOCK_HELD"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeHandlerFailed     = "HANDLER_FAILED"
	ErrCodeHealthThreshold   = "HEALTH_THRESHOLD"
	ErrCodeRollbackFailed    = "ROLLBACK_FAILED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeApprovalRejected  = "APPROVAL_REJECTED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
