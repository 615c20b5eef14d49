// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/google/uuid"
)

// NewID returns a fresh time-ordered identity.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// CreateTestChain builds a linear workflow of n steps where step i depends on
// step i-1. Odd steps are "area" tasks, even steps "report" tasks.
func CreateTestChain(n int, overrides ...func(*models.Workflow, []*models.Task)) (*models.Workflow, []*models.Task) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	workflow := &models.Workflow{
		ID:        NewID(),
		Name:      fmt.Sprintf("chain of %d", n),
		ClientID:  "client-1",
		Status:    models.WorkflowStatusInitial,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]*models.Task, 0, n)

	for i := 1; i <= n; i++ {
		taskType := models.TaskTypeArea
		if i%2 == 0 {
			taskType = models.TaskTypeReport
		}

		task := &models.Task{
			ID:         NewID(),
			WorkflowID: workflow.ID,
			ClientID:   workflow.ClientID,
			Type:       taskType,
			StepNumber: i,
			Status:     models.TaskStatusQueued,
			Input:      json.RawMessage(`{}`),
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if i > 1 {
			dependsOn := tasks[i-2].ID
			task.DependsOn = &dependsOn
		}

		tasks = append(tasks, task)
	}

	for _, override := range overrides {
		override(workflow, tasks)
	}

	return workflow, tasks
}

// WithClientID sets the client identifier on the workflow and its tasks.
func WithClientID(clientID string) func(*models.Workflow, []*models.Task) {
	return func(w *models.Workflow, tasks []*models.Task) {
		w.ClientID = clientID
		for _, task := range tasks {
			task.ClientID = clientID
		}
	}
}

// WithCreatedAt sets the creation time of the workflow.
func WithCreatedAt(at time.Time) func(*models.Workflow, []*models.Task) {
	return func(w *models.Workflow, _ []*models.Task) {
		w.CreatedAt = at
		w.UpdatedAt = at
	}
}

// WithTaskType overrides the type of the task at the given step.
func WithTaskType(step int, taskType models.TaskType) func(*models.Workflow, []*models.Task) {
	return func(_ *models.Workflow, tasks []*models.Task) {
		for _, task := range tasks {
			if task.StepNumber == step {
				task.Type = taskType
			}
		}
	}
}

// WithInput sets the same input on every task.
func WithInput(input string) func(*models.Workflow, []*models.Task) {
	return func(_ *models.Workflow, tasks []*models.Task) {
		for _, task := range tasks {
			task.Input = json.RawMessage(input)
		}
	}
}

// NewResult builds a result with a fresh identity and the given payload.
func NewResult(data string) *models.Result {
	return &models.Result{
		ID:   NewID(),
		Data: json.RawMessage(data),
	}
}
