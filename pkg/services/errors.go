// Package services provides the query and submission operations exposed to the API layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks client errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrWorkflowNotReady is returned by Results until the workflow has completed.
	ErrWorkflowNotReady = errors.New("workflow not completed yet")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should be answered with HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsNotReadyError checks if an error means the workflow has no final report yet.
func IsNotReadyError(err error) bool {
	return errors.Is(err, ErrWorkflowNotReady)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     errors.Join(ErrInvalidRequest, err),
	}
}
