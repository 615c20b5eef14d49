package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/workflow"
)

// ErrWorkflowNotFound is returned when a workflow is not found.
var ErrWorkflowNotFound = persistence.ErrWorkflowNotFound

// Status is the progress summary of a workflow.
type Status struct {
	WorkflowID     string                `json:"workflow_id"`
	Status         models.WorkflowStatus `json:"status"`
	CompletedTasks int                   `json:"completed_tasks"`
	TotalTasks     int                   `json:"total_tasks"`
}

// Results is the final report of a completed workflow.
type Results struct {
	WorkflowID  string                `json:"workflow_id"`
	Status      models.WorkflowStatus `json:"status"`
	FinalReport json.RawMessage       `json:"final_report"`
}

type Workflow struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	builder     *workflow.Builder
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(logger *slog.Logger, persistence persistence.Persistence, builder *workflow.Builder) *Workflow {
	return &Workflow{
		logger:      logger.With("module", "workflow_service"),
		persistence: persistence,
		builder:     builder,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Create builds and stores a workflow for clientID. Definition errors are
// returned as validation errors.
func (w *Workflow) Create(ctx context.Context, clientID string, definition *models.WorkflowDefinition) (*models.Workflow, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, NewValidationError("Create", "CLIENT_ID_REQUIRED", "client_id cannot be empty", nil)
	}

	if definition == nil {
		return nil, NewValidationError("Create", "DEFINITION_REQUIRED", "definition is required", nil)
	}

	created, err := w.builder.Build(ctx, clientID, definition)
	if err != nil {
		var definitionErr *workflow.DefinitionError
		if errors.As(err, &definitionErr) {
			return nil, NewValidationError("Create", "INVALID_DEFINITION", definitionErr.Error(), err)
		}

		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "workflow created",
		"workflow_id", created.ID,
		"client_id", clientID,
		"tasks", len(created.Tasks),
	)

	return created, nil
}

// List returns every workflow, newest first, without tasks.
func (w *Workflow) List(ctx context.Context) ([]*models.Workflow, error) {
	workflows, err := w.persistence.WorkflowRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// FetchByID retrieves a workflow with its tasks.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	found, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrWorkflowNotFound
	}

	return found, nil
}

// Status counts the completed tasks of a workflow.
func (w *Workflow) Status(ctx context.Context, id string) (*Status, error) {
	found, err := w.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}

	completed := 0

	for _, task := range found.Tasks {
		if task.Status == models.TaskStatusCompleted {
			completed++
		}
	}

	return &Status{
		WorkflowID:     found.ID,
		Status:         found.Status,
		CompletedTasks: completed,
		TotalTasks:     len(found.Tasks),
	}, nil
}

// Results returns the final report of a completed workflow. Any other status,
// failed included, yields ErrWorkflowNotReady and never a partial report.
func (w *Workflow) Results(ctx context.Context, id string) (*Results, error) {
	found, err := w.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if found.Status != models.WorkflowStatusCompleted {
		return nil, &ServiceError{
			Op:      "Results",
			Code:    "WORKFLOW_NOT_READY",
			Message: fmt.Sprintf("workflow is %s", found.Status),
			Err:     ErrWorkflowNotReady,
		}
	}

	return &Results{
		WorkflowID:  found.ID,
		Status:      found.Status,
		FinalReport: found.FinalReport,
	}, nil
}
