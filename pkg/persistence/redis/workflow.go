package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// WorkflowRepository stores each workflow as a hash holding its JSON document
// and settled task count.
type WorkflowRepository struct {
	client redis.UniversalClient
	logger *slog.Logger
	keys   keys
}

// Create stores the workflow and all of its tasks in one MULTI/EXEC block,
// watching the workflow key so a concurrent create with the same id aborts.
func (wr *WorkflowRepository) Create(ctx context.Context, workflow *models.Workflow, tasks []*models.Task) error {
	stored := *workflow
	stored.Tasks = nil

	data, err := json.Marshal(&stored)
	if err != nil {
		return persistence.NewWorkflowError("Create", workflow.ID, err)
	}

	encoded := make([][]byte, len(tasks))
	for i, task := range tasks {
		encoded[i], err = json.Marshal(task)
		if err != nil {
			return persistence.NewTaskError("Create", task.ID, err)
		}
	}

	workflowKey := wr.keys.workflow(workflow.ID)

	err = wr.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, workflowKey).Result()
		if err != nil {
			return err
		}

		if exists > 0 {
			return persistence.ErrWorkflowAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, workflowKey, "data", data, "settled", stored.SettledTasks)
			pipe.ZAdd(ctx, wr.keys.workflows(), redis.Z{
				Score:  float64(stored.CreatedAt.UnixMilli()),
				Member: stored.ID,
			})

			for i, task := range tasks {
				pipe.HSet(ctx, wr.keys.task(task.ID), "data", encoded[i], "status", string(task.Status))
				pipe.SAdd(ctx, wr.keys.tasksByStatus(string(task.Status)), task.ID)
				pipe.ZAdd(ctx, wr.keys.workflowTasks(workflow.ID), redis.Z{
					Score:  float64(task.StepNumber),
					Member: task.ID,
				})
			}

			return nil
		})

		return err
	}, workflowKey)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			err = persistence.ErrWorkflowAlreadyExists
		}

		return persistence.NewWorkflowError("Create", workflow.ID, err)
	}

	wr.logger.DebugContext(ctx, "workflow stored", "workflow_id", workflow.ID, "tasks", len(tasks))

	return nil
}

func (wr *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := wr.load(ctx, id)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	ids, err := wr.client.ZRange(ctx, wr.keys.workflowTasks(id), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewWorkflowError("GetTasks", id, err)
	}

	tasks, err := loadTasks(ctx, wr.client, wr.keys, ids)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetTasks", id, err)
	}

	persistence.SortByStep(tasks)
	workflow.Tasks = tasks

	return workflow, nil
}

// GetAll returns every workflow, newest first, without tasks.
func (wr *WorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := wr.client.ZRevRange(ctx, wr.keys.workflows(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := wr.load(ctx, id)
		if err != nil {
			if errors.Is(err, persistence.ErrWorkflowNotFound) {
				continue
			}

			return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (wr *WorkflowRepository) UpdateState(
	ctx context.Context,
	id string,
	status models.WorkflowStatus,
	report json.RawMessage,
	settled int,
) (bool, error) {
	workflow, err := wr.load(ctx, id)
	if err != nil {
		return false, persistence.NewWorkflowError("UpdateState", id, err)
	}

	if settled < workflow.SettledTasks {
		return false, nil
	}

	workflow.Status = status
	workflow.FinalReport = report
	workflow.SettledTasks = settled
	workflow.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(workflow)
	if err != nil {
		return false, persistence.NewWorkflowError("UpdateState", id, err)
	}

	applied, err := updateStateScript.Run(ctx, wr.client, []string{wr.keys.workflow(id)}, settled, data).Int()
	if err != nil {
		return false, persistence.NewWorkflowError("UpdateState", id, err)
	}

	if applied < 0 {
		return false, persistence.NewWorkflowError("UpdateState", id, persistence.ErrWorkflowNotFound)
	}

	return applied == 1, nil
}

func (wr *WorkflowRepository) load(ctx context.Context, id string) (*models.Workflow, error) {
	data, err := wr.client.HGet(ctx, wr.keys.workflow(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, err
	}

	var workflow models.Workflow

	err = json.Unmarshal(data, &workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}

	return &workflow, nil
}
