// Package persistence provides the storage contract for workflows, tasks and results.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	TaskRepository() TaskRepository
	ResultRepository() ResultRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflows together with their tasks.
type WorkflowRepository interface {
	// Create writes the workflow and all its tasks in one atomic step; nothing
	// is persisted when it fails.
	Create(ctx context.Context, workflow *models.Workflow, tasks []*models.Task) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetAll(ctx context.Context) ([]*models.Workflow, error)

	// UpdateState stores an aggregated status and report. It is applied only when
	// settled is not lower than the settled count already stored, and reports
	// whether it was applied.
	UpdateState(ctx context.Context, id string, status models.WorkflowStatus, report json.RawMessage, settled int) (bool, error)
}

// TaskRepository owns every task status transition. Each transition is a
// conditional update that reports whether this caller won it.
type TaskRepository interface {
	GetByID(ctx context.Context, id string) (*models.Task, error)

	// GetByWorkflow returns the workflow's tasks ordered by step number.
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Task, error)

	// FindReady returns at most limit queued tasks whose dependency, if any, is
	// completed, ordered by SortReady.
	FindReady(ctx context.Context, limit int) ([]*models.Task, error)

	// FindStale returns in-progress tasks started before the given time.
	FindStale(ctx context.Context, startedBefore time.Time) ([]*models.Task, error)

	// Claim moves a task from queued to in_progress with the given progress note.
	Claim(ctx context.Context, id string, progress string) (bool, error)

	// Complete moves a task from in_progress to completed, stores the result and
	// links it to the task.
	Complete(ctx context.Context, id string, result *models.Result) (bool, error)

	// Fail moves a task from the given status to failed.
	Fail(ctx context.Context, id string, from models.TaskStatus, reason string) (bool, error)
}

type ResultRepository interface {
	GetByID(ctx context.Context, id string) (*models.Result, error)
	GetByTask(ctx context.Context, taskID string) (*models.Result, error)
}
