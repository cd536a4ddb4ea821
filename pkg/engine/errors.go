package engine

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/gcp"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: an unavailable remote API.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: another operation is already running on the function.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: illegal transitions, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
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

	// Resource is the endpoint label that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface. Illegal transitions render their
// message alone since it is shown to users verbatim.
func (e *EngineError) Error() string {
	if e.Code == ErrCodeIllegalTransition && e.Err == nil {
		return e.Message
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
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

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewIllegalTransitionError creates the error returned by the planner for a
// structurally disallowed update.
func NewIllegalTransitionError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeIllegalTransition)
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

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsIllegalTransition reports whether err is a planner illegal-transition error.
func IsIllegalTransition(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeIllegalTransition
}

// classOf classifies err. Engine errors carry their own class. Operations
// that finished with an error are permanent: the call itself went through.
// Everything else is classified from its status code.
func classOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	if _, ok := gcp.AsOperationError(err); ok {
		return ErrorClassPermanent
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return ErrorClassThrottled
	case codes.Aborted, codes.AlreadyExists:
		return ErrorClassConflict
	case codes.Unavailable:
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// ClassOf exposes the classification used for metrics and reporting.
func ClassOf(err error) ErrorClass {
	return classOf(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeAborted           = "ABORTED"
)

// DeploymentError is a failed remote operation attributed to one endpoint.
type DeploymentError struct {
	Endpoint *backend.Endpoint
	Op       string
	Err      error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("Failed to %s function %s in region %s", e.Op, backend.Label(e.Endpoint), e.Endpoint.Region)
}

// Unwrap returns the original cause.
func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// AbortedError marks a delete that was intentionally skipped because a create
// or update in the same changeset failed.
type AbortedError struct {
	DeploymentError
}

// NewAbortedError creates the aborted delete result for endpoint.
func NewAbortedError(endpoint *backend.Endpoint) *AbortedError {
	return &AbortedError{DeploymentError{
		Endpoint: endpoint,
		Op:       OpDelete,
		Err:      NewPermanentError("delete skipped after a failed create or update", nil).WithCode(ErrCodeAborted),
	}}
}

// IsAborted reports whether err is an aborted delete.
func IsAborted(err error) bool {
	var aborted *AbortedError
	return errors.As(err, &aborted)
}

// AsDeploymentError extracts the deployment error of err, if any. Aborted
// deletes yield their embedded deployment error.
func AsDeploymentError(err error) (*DeploymentError, bool) {
	var aborted *AbortedError
	if errors.As(err, &aborted) {
		return &aborted.DeploymentError, true
	}
	var de *DeploymentError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
