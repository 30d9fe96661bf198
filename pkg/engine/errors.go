package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass decides whether a failed call is retried in place or breaks the saga.
type ErrorClass string

const (
	// ErrorClassTransient covers short-lived failures such as a dependency that is
	// still settling or an eventually consistent read. Retried with backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled covers API rate limiting. Retried with backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict covers state conflicts in the cloud API, for example a
	// resource that is still in use by something being detached.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent aborts the current stage and triggers rollback.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError. The engine branches on a handful of them:
// ALREADY_EXISTS on create adopts the resource, NOT_FOUND on delete counts as success.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePlanInvalid      = "PLAN_INVALID"
	ErrCodeAmbiguous        = "AMBIGUOUS_MATCH"
	ErrCodeRollbackFailed   = "ROLLBACK_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeLocked           = "LOCKED"
	ErrCodeUnsupportedKind  = "UNSUPPORTED_KIND"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// EngineError is a classified error raised by providers, the plan builder and the
// saga executor.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class ErrorClass `json:"class"`

	Message string `json:"message"`

	Code string `json:"code,omitempty"`

	// Resource is the stage name or cloud id the error refers to.
	Resource string `json:"resource,omitempty"`

	// Operation is one of exists, create, tag, wait, describe, delete, list.
	Operation string `json:"operation,omitempty"`

	// ProviderCode is the raw error code returned by the cloud API, if any.
	ProviderCode string `json:"provider_code,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports equality on class and code so sentinels such as ErrNotFound work
// with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrAlreadyExists = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAlreadyExists}
	ErrTimeout       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTimeout}

	ErrRollbackFailed = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRollbackFailed}
)

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err, Code: ErrCodeRateLimited}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err, Code: ErrCodeConflict}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewNotFoundError reports a resource that the cloud does not know about.
func NewNotFoundError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeNotFound)
}

// NewAlreadyExistsError reports a create that collided with an existing resource.
func NewAlreadyExistsError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeAlreadyExists)
}

// NewTimeoutError reports a wait that exceeded its deadline.
func NewTimeoutError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeTimeout)
}

// NewPlanError reports an invalid provisioning plan.
func NewPlanError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodePlanInvalid)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
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

// WithProviderCode records the raw cloud API error code.
func (e *EngineError) WithProviderCode(code string) *EngineError {
	e.ProviderCode = code
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable returns true for transient, throttled and conflict errors.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAlreadyExists returns true if the error carries the ALREADY_EXISTS code.
func IsAlreadyExists(err error) bool { return hasCode(err, ErrCodeAlreadyExists) }

// IsTimeout returns true if the error carries the TIMEOUT code.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsCancelled returns true for engine cancellation errors and raw context cancellation.
func IsCancelled(err error) bool {
	return hasCode(err, ErrCodeCancelled) || errors.Is(err, context.Canceled)
}

// ErrorCode extracts the engine error code, or "" for unclassified errors.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// fromContext converts a context error into a classified engine error.
func fromContext(err error, resource string) *EngineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("deadline exceeded", err).WithResource(resource)
	}
	return NewPermanentError("run cancelled", err).WithCode(ErrCodeCancelled).WithResource(resource)
}
