package report_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/stepflow/pkg/jobs/report"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTaskLister struct {
	mock.Mock
}

func (m *mockTaskLister) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Task, error) {
	args := m.Called(ctx, workflowID)

	tasks, _ := args.Get(0).([]*models.Task)

	return tasks, args.Error(1)
}

func workflowTasks() []*models.Task {
	resultID := "result-1"

	return []*models.Task{
		{ID: "t1", WorkflowID: "wf-1", Type: models.TaskTypeArea, StepNumber: 1, Status: models.TaskStatusCompleted, ResultID: &resultID},
		{ID: "t2", WorkflowID: "wf-1", Type: models.TaskTypeReport, StepNumber: 2, Status: models.TaskStatusInProgress},
		{ID: "t3", WorkflowID: "wf-1", Type: models.TaskTypeArea, StepNumber: 3, Status: models.TaskStatusFailed, Error: "boom"},
	}
}

func TestJob_Execute(t *testing.T) {
	t.Parallel()

	lister := &mockTaskLister{}
	lister.On("GetByWorkflow", mock.Anything, "wf-1").Return(workflowTasks(), nil)

	job := report.New(lister)
	assert.Equal(t, models.TaskTypeReport, job.TaskType())

	output, err := job.Execute(t.Context(), protocol.JobRequest{
		Task:       &models.Task{ID: "t2", WorkflowID: "wf-1", Type: models.TaskTypeReport},
		Dependency: map[string]any{"area": 42.0},
	}, slog.Default())
	require.NoError(t, err)

	data, err := json.Marshal(output)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"workflow_id": "wf-1",
		"tasks": [
			{"task_id": "t1", "task_type": "area", "step_number": 1, "status": "completed", "output": "result-1"},
			{"task_id": "t2", "task_type": "report", "step_number": 2, "status": "in_progress"},
			{"task_id": "t3", "task_type": "area", "step_number": 3, "status": "failed", "output": {"error": "Task failed"}}
		],
		"dependency": {"area": 42},
		"final_report": "Aggregated data & results"
	}`, string(data))

	lister.AssertExpectations(t)
}

func TestJob_Execute_WithoutDependency(t *testing.T) {
	t.Parallel()

	lister := &mockTaskLister{}
	lister.On("GetByWorkflow", mock.Anything, "wf-1").Return(workflowTasks()[:1], nil)

	output, err := report.New(lister).Execute(t.Context(), protocol.JobRequest{
		Task: &models.Task{ID: "t1", WorkflowID: "wf-1"},
	}, slog.Default())
	require.NoError(t, err)

	result, ok := output.(report.Output)
	require.True(t, ok)
	assert.Nil(t, result.Dependency)
	assert.Len(t, result.Tasks, 1)
	assert.Equal(t, report.FinalReport, result.FinalReport)
}

func TestJob_Execute_RejectsNonObjectDependency(t *testing.T) {
	t.Parallel()

	for _, dependency := range []any{"text", 12.5, []any{1.0, 2.0}, true} {
		lister := &mockTaskLister{}

		_, err := report.New(lister).Execute(t.Context(), protocol.JobRequest{
			Task:       &models.Task{ID: "t2", WorkflowID: "wf-1"},
			Dependency: dependency,
		}, slog.Default())
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrInvalidInput)

		lister.AssertNotCalled(t, "GetByWorkflow", mock.Anything, mock.Anything)
	}
}

func TestJob_Execute_ListerError(t *testing.T) {
	t.Parallel()

	lister := &mockTaskLister{}
	lister.On("GetByWorkflow", mock.Anything, "wf-1").Return(nil, errors.New("store offline"))

	_, err := report.New(lister).Execute(t.Context(), protocol.JobRequest{
		Task: &models.Task{ID: "t2", WorkflowID: "wf-1"},
	}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
	assert.NotErrorIs(t, err, protocol.ErrInvalidInput)
}
