package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, storage unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a competing operation or a reused job identifier.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, naming collision, policy violation.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassInfrastructureFatal indicates a compensating action failed and
	// the workflow could not be fully rolled back. Requires operator attention.
	ErrorClassInfrastructureFatal ErrorClass = "infrastructure_fatal"
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

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if inner := e.unwrapMessage(); inner != "" {
		msg = msg + ": " + inner
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
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
		Code:    ErrCodeConflict,
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

// NewValidationError creates a permanent error with the validation code.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// NewNotFoundError creates a permanent not-found error.
func NewNotFoundError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeNotFound)
}

// NewInfrastructureFatalError creates an error for a failed rollback.
func NewInfrastructureFatalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInfrastructureFatal,
		Message: message,
		Err:     err,
		Code:    ErrCodeRollbackIncomplete,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsInfrastructureFatal returns true if the error marks an incomplete rollback.
func IsInfrastructureFatal(err error) bool {
	return classOf(err) == ErrorClassInfrastructureFatal
}

// IsRetryable returns true if a step failing with err may be attempted again.
// Transient and throttled errors are retryable. Conflicts are not: inside a
// step they mean a competing operation holds the target and waiting will not
// change the outcome of this workflow.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// HasCode reports whether err is an EngineError carrying the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsEngineError returns the EngineError in err's chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Classify converts an arbitrary error into an EngineError. Errors that are
// already classified keep their class; anything else is treated as a permanent
// provider failure.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}
	if e, ok := AsEngineError(err); ok {
		return e
	}
	return NewPermanentError("step failed", err).WithCode(ErrCodeProviderFailed)
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeNotReady           = "NOT_READY"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeResourceBusy       = "RESOURCE_BUSY"
	ErrCodeResourceInUse      = "RESOURCE_IN_USE"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeProviderFailed     = "PROVIDER_FAILED"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodePolicyViolation    = "POLICY_VIOLATION"
	ErrCodePolicyConflict     = "POLICY_CONFLICT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRollbackIncomplete = "ROLLBACK_INCOMPLETE"
)
