package workflow

import (
	"errors"
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	cause := errors.New("cause")

	tests := []struct {
		name     string
		err      error
		sentinel error
		message  string
	}{
		{
			name:     "definition",
			err:      &DefinitionError{StepNumber: 2, Reason: "depends on undeclared step 9"},
			sentinel: ErrDefinition,
			message:  "invalid workflow definition: step 2: depends on undeclared step 9",
		},
		{
			name:     "definition without step",
			err:      &DefinitionError{Reason: "workflow has no steps"},
			sentinel: ErrDefinition,
			message:  "invalid workflow definition: workflow has no steps",
		},
		{
			name:     "dispatch",
			err:      &DispatchError{TaskID: "t1", TaskType: models.TaskTypeArea, Err: cause},
			sentinel: ErrDispatch,
			message:  `no job registered for task type: task t1 of type "area": cause`,
		},
		{
			name:     "execution",
			err:      &ExecutionError{TaskID: "t1", TaskType: models.TaskTypeReport, Err: cause},
			sentinel: ErrExecution,
			message:  `job execution failed: task t1 of type "report": cause`,
		},
		{
			name:     "illegal state",
			err:      &IllegalStateError{TaskID: "t1", Status: models.TaskStatusCompleted, Expected: models.TaskStatusQueued},
			sentinel: ErrIllegalState,
			message:  "illegal task state: task t1 is completed, expected queued",
		},
		{
			name:     "lost claim",
			err:      &IllegalStateError{TaskID: "t1", Expected: models.TaskStatusQueued},
			sentinel: ErrIllegalState,
			message:  "illegal task state: task t1 is no longer queued",
		},
		{
			name:     "persistence",
			err:      newPersistenceError("claim task", cause),
			sentinel: ErrPersistence,
			message:  "persistence failure: claim task: cause",
		},
	}

	sentinels := []error{ErrDefinition, ErrDispatch, ErrExecution, ErrIllegalState, ErrPersistence}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.EqualError(t, tt.err, tt.message)

			for _, sentinel := range sentinels {
				assert.Equal(t, sentinel == tt.sentinel, errors.Is(tt.err, sentinel), sentinel.Error())
			}
		})
	}
}

func TestErrorsUnwrapCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("cause")

	assert.ErrorIs(t, &DispatchError{Err: cause}, cause)
	assert.ErrorIs(t, &ExecutionError{Err: cause}, cause)
	assert.ErrorIs(t, newPersistenceError("op", cause), cause)
}
