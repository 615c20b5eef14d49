package file

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	store *store
}

// Create writes every task and then the workflow. On failure the files written
// so far are removed.
func (wr *WorkflowRepository) Create(_ context.Context, workflow *models.Workflow, tasks []*models.Task) error {
	return wr.store.locked(func() error {
		if wr.store.exists(workflowsDir, workflow.ID) {
			return persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowAlreadyExists)
		}

		written := make([]string, 0, len(tasks))

		for _, task := range tasks {
			err := wr.store.write(tasksDir, task.ID, task)
			if err != nil {
				for _, id := range written {
					wr.store.remove(tasksDir, id)
				}

				return persistence.NewWorkflowError("Create", workflow.ID, err)
			}

			written = append(written, task.ID)
		}

		stored := *workflow
		stored.Tasks = nil

		err := wr.store.write(workflowsDir, workflow.ID, &stored)
		if err != nil {
			for _, id := range written {
				wr.store.remove(tasksDir, id)
			}

			return persistence.NewWorkflowError("Create", workflow.ID, err)
		}

		return nil
	})
}

// GetByID returns the workflow with its tasks ordered by step number.
func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	err := wr.store.locked(func() error {
		err := wr.store.read(workflowsDir, id, &workflow)
		if err != nil {
			return err
		}

		tasks, err := tasksOf(wr.store, id)
		if err != nil {
			return err
		}

		workflow.Tasks = tasks

		return nil
	})
	if err != nil {
		if isNotExist(err) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return &workflow, nil
}

// GetAll returns every workflow, newest first, without tasks.
func (wr *WorkflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	workflows := make([]*models.Workflow, 0)

	err := wr.store.locked(func() error {
		ids, err := wr.store.ids(workflowsDir)
		if err != nil {
			return err
		}

		for _, id := range ids {
			var workflow models.Workflow

			err := wr.store.read(workflowsDir, id, &workflow)
			if err != nil {
				return fmt.Errorf("failed to load workflow %s: %w", id, err)
			}

			workflows = append(workflows, &workflow)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(workflows, func(a, b *models.Workflow) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})

	return workflows, nil
}

func (wr *WorkflowRepository) UpdateState(
	_ context.Context,
	id string,
	status models.WorkflowStatus,
	report json.RawMessage,
	settled int,
) (bool, error) {
	applied := false

	err := wr.store.locked(func() error {
		var workflow models.Workflow

		err := wr.store.read(workflowsDir, id, &workflow)
		if err != nil {
			return err
		}

		if settled < workflow.SettledTasks {
			return nil
		}

		workflow.Status = status
		workflow.FinalReport = report
		workflow.SettledTasks = settled
		workflow.UpdatedAt = time.Now().UTC()

		err = wr.store.write(workflowsDir, id, &workflow)
		if err != nil {
			return err
		}

		applied = true

		return nil
	})
	if err != nil {
		if isNotExist(err) {
			return false, persistence.NewWorkflowError("UpdateState", id, persistence.ErrWorkflowNotFound)
		}

		return false, persistence.NewWorkflowError("UpdateState", id, err)
	}

	return applied, nil
}
