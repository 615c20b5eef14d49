package persistence_test

import (
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T {
	return &v
}

func TestSortReady(t *testing.T) {
	t.Parallel()

	tasks := []*models.Task{
		{ID: "t4", WorkflowID: "w1", StepNumber: 2, DependsOn: ptr("t1")},
		{ID: "t3", WorkflowID: "w2", StepNumber: 3},
		{ID: "t2", WorkflowID: "w2", StepNumber: 1},
		{ID: "t1", WorkflowID: "w1", StepNumber: 1},
		{ID: "t5", WorkflowID: "w1", StepNumber: 1, DependsOn: ptr("t0")},
	}

	persistence.SortReady(tasks)

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}

	assert.Equal(t, []string{"t1", "t2", "t3", "t5", "t4"}, ids)
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		task       *models.Task
		dependency *models.Task
		expected   bool
	}{
		{
			name:     "queued without dependency",
			task:     &models.Task{Status: models.TaskStatusQueued},
			expected: true,
		},
		{
			name:     "not queued",
			task:     &models.Task{Status: models.TaskStatusInProgress},
			expected: false,
		},
		{
			name:       "dependency completed",
			task:       &models.Task{Status: models.TaskStatusQueued, DependsOn: ptr("d")},
			dependency: &models.Task{ID: "d", Status: models.TaskStatusCompleted},
			expected:   true,
		},
		{
			name:       "dependency in progress",
			task:       &models.Task{Status: models.TaskStatusQueued, DependsOn: ptr("d")},
			dependency: &models.Task{ID: "d", Status: models.TaskStatusInProgress},
			expected:   false,
		},
		{
			name:       "dependency failed",
			task:       &models.Task{Status: models.TaskStatusQueued, DependsOn: ptr("d")},
			dependency: &models.Task{ID: "d", Status: models.TaskStatusFailed},
			expected:   false,
		},
		{
			name:     "dependency missing",
			task:     &models.Task{Status: models.TaskStatusQueued, DependsOn: ptr("d")},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, persistence.IsReady(tt.task, tt.dependency))
		})
	}
}
