package workflow_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/mocks"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func allJobs(t *testing.T) map[models.TaskType]protocol.Job {
	t.Helper()

	return map[models.TaskType]protocol.Job{
		models.TaskTypeArea:   &recordingJob{},
		models.TaskTypeReport: &recordingJob{},
	}
}

func chainDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name: "survey",
		Steps: []models.StepDefinition{
			{TaskType: models.TaskTypeReport, StepNumber: 2, DependsOn: ptr(1)},
			{TaskType: models.TaskTypeArea, StepNumber: 1, Input: json.RawMessage(`{"type":"Point","coordinates":[0,0]}`)},
			{TaskType: models.TaskTypeArea, StepNumber: 3, DependsOn: ptr(2)},
		},
	}
}

func TestBuilder_Build(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	publisher := &recordingPublisher{}
	builder := workflow.NewBuilder(testLogger(), newRegistry(t, allJobs(t)), p.WorkflowRepository(),
		workflow.WithPublisher(publisher))

	wf, err := builder.Build(t.Context(), "client-7", chainDefinition())
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusInitial, wf.Status)
	assert.Equal(t, "client-7", wf.ClientID)
	assert.Equal(t, "survey", wf.Name)

	id, err := uuid.Parse(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())

	loaded := reloadWorkflow(t, p, wf.ID)
	require.Len(t, loaded.Tasks, 3)

	for i, task := range loaded.Tasks {
		assert.Equal(t, i+1, task.StepNumber)
		assert.Equal(t, models.TaskStatusQueued, task.Status)
		assert.Equal(t, "client-7", task.ClientID)
		assert.Equal(t, wf.ID, task.WorkflowID)
	}

	assert.False(t, loaded.Tasks[0].HasDependency())
	assert.JSONEq(t, `{"type":"Point","coordinates":[0,0]}`, string(loaded.Tasks[0].Input))
	assert.Equal(t, loaded.Tasks[0].ID, *loaded.Tasks[1].DependsOn)
	assert.Equal(t, loaded.Tasks[1].ID, *loaded.Tasks[2].DependsOn)

	assert.Equal(t, []events.EventType{events.WorkflowCreatedEvent}, publisher.types())
}

func TestBuilder_Build_RejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		steps  []models.StepDefinition
		reason string
	}{
		{
			name:   "no steps",
			steps:  nil,
			reason: "no steps",
		},
		{
			name: "duplicate step number",
			steps: []models.StepDefinition{
				{TaskType: models.TaskTypeArea, StepNumber: 1},
				{TaskType: models.TaskTypeReport, StepNumber: 1},
			},
			reason: "declared more than once",
		},
		{
			name: "non positive step number",
			steps: []models.StepDefinition{
				{TaskType: models.TaskTypeArea, StepNumber: 0},
			},
			reason: "must be positive",
		},
		{
			name: "dependency on undeclared step",
			steps: []models.StepDefinition{
				{TaskType: models.TaskTypeArea, StepNumber: 1},
				{TaskType: models.TaskTypeReport, StepNumber: 2, DependsOn: ptr(7)},
			},
			reason: "depends on undeclared step 7",
		},
		{
			name: "self dependency",
			steps: []models.StepDefinition{
				{TaskType: models.TaskTypeArea, StepNumber: 1, DependsOn: ptr(1)},
			},
			reason: "depends on itself",
		},
		{
			name: "cycle",
			steps: []models.StepDefinition{
				{TaskType: models.TaskTypeArea, StepNumber: 1, DependsOn: ptr(3)},
				{TaskType: models.TaskTypeReport, StepNumber: 2, DependsOn: ptr(1)},
				{TaskType: models.TaskTypeArea, StepNumber: 3, DependsOn: ptr(2)},
			},
			reason: "dependency cycle",
		},
		{
			name: "unknown task type",
			steps: []models.StepDefinition{
				{TaskType: "email", StepNumber: 1},
			},
			reason: `unknown task type "email"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newStore(t)
			builder := workflow.NewBuilder(testLogger(), newRegistry(t, allJobs(t)), p.WorkflowRepository())

			_, err := builder.Build(t.Context(), "client-1", &models.WorkflowDefinition{Name: "bad", Steps: tt.steps})
			require.Error(t, err)
			assert.ErrorIs(t, err, workflow.ErrDefinition)
			assert.Contains(t, err.Error(), tt.reason)

			var definitionErr *workflow.DefinitionError
			assert.ErrorAs(t, err, &definitionErr)

			all, err := p.WorkflowRepository().GetAll(t.Context())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestBuilder_Build_RejectsUnregisteredTaskType(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	onlyArea := newRegistry(t, map[models.TaskType]protocol.Job{models.TaskTypeArea: &recordingJob{}})
	builder := workflow.NewBuilder(testLogger(), onlyArea, p.WorkflowRepository())

	_, err := builder.Build(t.Context(), "client-1", chainDefinition())
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrDefinition)
	assert.Contains(t, err.Error(), "step 2")
}

func TestBuilder_Build_StoreFailure(t *testing.T) {
	t.Parallel()

	workflows := &mocks.MockWorkflowRepository{}
	workflows.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	builder := workflow.NewBuilder(testLogger(), newRegistry(t, allJobs(t)), workflows)

	_, err := builder.Build(t.Context(), "client-1", chainDefinition())
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrPersistence)
	assert.NotErrorIs(t, err, workflow.ErrDefinition)
	assert.Contains(t, err.Error(), "disk full")
	workflows.AssertExpectations(t)
}
