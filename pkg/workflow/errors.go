package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/stepflow/pkg/models"
)

// Sentinels matched by the error types below through errors.Is.
var (
	ErrDefinition   = errors.New("invalid workflow definition")
	ErrDispatch     = errors.New("no job registered for task type")
	ErrExecution    = errors.New("job execution failed")
	ErrIllegalState = errors.New("illegal task state")
	ErrPersistence  = errors.New("persistence failure")
)

// DefinitionError rejects a workflow definition before anything is persisted.
type DefinitionError struct {
	StepNumber int // 0 when the error concerns the whole definition
	Reason     string
}

func (e *DefinitionError) Error() string {
	if e.StepNumber == 0 {
		return fmt.Sprintf("%s: %s", ErrDefinition, e.Reason)
	}

	return fmt.Sprintf("%s: step %d: %s", ErrDefinition, e.StepNumber, e.Reason)
}

func (e *DefinitionError) Is(target error) bool {
	return target == ErrDefinition
}

// DispatchError means the task type resolved to no job. The task is Failed.
type DispatchError struct {
	TaskID   string
	TaskType models.TaskType
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: task %s of type %q: %v", ErrDispatch, e.TaskID, e.TaskType, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatch
}

// ExecutionError wraps the failure a job reported. The task is Failed.
type ExecutionError struct {
	TaskID   string
	TaskType models.TaskType
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: task %s of type %q: %v", ErrExecution, e.TaskID, e.TaskType, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// IllegalStateError is returned when a task is not in the status an
// operation requires, including when another worker won the claim.
type IllegalStateError struct {
	TaskID   string
	Status   models.TaskStatus
	Expected models.TaskStatus
}

func (e *IllegalStateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("%s: task %s is no longer %s", ErrIllegalState, e.TaskID, e.Expected)
	}

	return fmt.Sprintf("%s: task %s is %s, expected %s", ErrIllegalState, e.TaskID, e.Status, e.Expected)
}

func (e *IllegalStateError) Is(target error) bool {
	return target == ErrIllegalState
}

// PersistenceError reports that the store could not serve an operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func newPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}
