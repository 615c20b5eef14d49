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

// TaskRepository stores each task as a hash of its JSON document and status.
// Status sets index queued and in-progress tasks for polling.
type TaskRepository struct {
	client redis.UniversalClient
	logger *slog.Logger
	keys   keys
}

func (tr *TaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	task, err := tr.load(ctx, id)
	if err != nil {
		return nil, persistence.NewTaskError("GetByID", id, err)
	}

	return task, nil
}

func (tr *TaskRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Task, error) {
	ids, err := tr.client.ZRange(ctx, tr.keys.workflowTasks(workflowID), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewWorkflowError("GetTasks", workflowID, err)
	}

	tasks, err := loadTasks(ctx, tr.client, tr.keys, ids)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetTasks", workflowID, err)
	}

	persistence.SortByStep(tasks)

	return tasks, nil
}

func (tr *TaskRepository) FindReady(ctx context.Context, limit int) ([]*models.Task, error) {
	ids, err := tr.client.SMembers(ctx, tr.keys.tasksByStatus(string(models.TaskStatusQueued))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find ready tasks: %w", err)
	}

	queued, err := loadTasks(ctx, tr.client, tr.keys, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find ready tasks: %w", err)
	}

	dependencyIDs := make([]string, 0, len(queued))

	for _, task := range queued {
		if task.HasDependency() {
			dependencyIDs = append(dependencyIDs, *task.DependsOn)
		}
	}

	statuses, err := tr.statuses(ctx, dependencyIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find ready tasks: %w", err)
	}

	ready := make([]*models.Task, 0, len(queued))

	for _, task := range queued {
		var dependency *models.Task
		if task.HasDependency() {
			if status, ok := statuses[*task.DependsOn]; ok {
				dependency = &models.Task{ID: *task.DependsOn, Status: status}
			}
		}

		if persistence.IsReady(task, dependency) {
			ready = append(ready, task)
		}
	}

	persistence.SortReady(ready)

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	return ready, nil
}

func (tr *TaskRepository) FindStale(ctx context.Context, startedBefore time.Time) ([]*models.Task, error) {
	ids, err := tr.client.SMembers(ctx, tr.keys.tasksByStatus(string(models.TaskStatusInProgress))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find stale tasks: %w", err)
	}

	running, err := loadTasks(ctx, tr.client, tr.keys, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale tasks: %w", err)
	}

	stale := make([]*models.Task, 0)

	for _, task := range running {
		if task.Status == models.TaskStatusInProgress && task.StartedAt != nil && task.StartedAt.Before(startedBefore) {
			stale = append(stale, task)
		}
	}

	persistence.SortByStep(stale)

	return stale, nil
}

func (tr *TaskRepository) Claim(ctx context.Context, id string, progress string) (bool, error) {
	return tr.transition(ctx, "Claim", id, models.TaskStatusQueued, models.TaskStatusInProgress, nil,
		func(task *models.Task, now time.Time) {
			task.Progress = &progress
			task.StartedAt = &now
		})
}

func (tr *TaskRepository) Complete(ctx context.Context, id string, result *models.Result) (bool, error) {
	return tr.transition(ctx, "Complete", id, models.TaskStatusInProgress, models.TaskStatusCompleted, result,
		func(task *models.Task, now time.Time) {
			if result.CreatedAt.IsZero() {
				result.CreatedAt = now
			}

			result.TaskID = id
			task.Progress = nil
			task.ResultID = &result.ID
			task.FinishedAt = &now
		})
}

func (tr *TaskRepository) Fail(ctx context.Context, id string, from models.TaskStatus, reason string) (bool, error) {
	if !from.CanTransitionTo(models.TaskStatusFailed) {
		return false, nil
	}

	return tr.transition(ctx, "Fail", id, from, models.TaskStatusFailed, nil,
		func(task *models.Task, now time.Time) {
			task.Progress = nil
			task.Error = reason
			task.FinishedAt = &now
		})
}

// transition rewrites the task document and moves it between status sets,
// provided the stored status still equals from. A task document only changes
// together with its status, so the copy read here is current whenever the
// script's status check passes.
func (tr *TaskRepository) transition(
	ctx context.Context,
	op, id string,
	from, to models.TaskStatus,
	result *models.Result,
	mutate func(task *models.Task, now time.Time),
) (bool, error) {
	task, err := tr.load(ctx, id)
	if err != nil {
		return false, persistence.NewTaskError(op, id, err)
	}

	if task.Status != from {
		return false, nil
	}

	now := time.Now().UTC()
	mutate(task, now)
	task.Status = to
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return false, persistence.NewTaskError(op, id, err)
	}

	resultKey := tr.keys.result("")
	resultData := ""

	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return false, persistence.NewTaskError(op, id, err)
		}

		resultKey = tr.keys.result(result.ID)
		resultData = string(encoded)
	}

	applied, err := transitionScript.Run(ctx, tr.client,
		[]string{
			tr.keys.task(id),
			tr.keys.tasksByStatus(string(from)),
			tr.keys.tasksByStatus(string(to)),
			resultKey,
		},
		string(from), string(to), data, id, resultData,
	).Int()
	if err != nil {
		return false, persistence.NewTaskError(op, id, err)
	}

	if applied < 0 {
		return false, persistence.NewTaskError(op, id, persistence.ErrTaskNotFound)
	}

	if applied == 1 {
		tr.logger.DebugContext(ctx, "task transitioned", "task_id", id, "from", from, "to", to)
	}

	return applied == 1, nil
}

func (tr *TaskRepository) load(ctx context.Context, id string) (*models.Task, error) {
	data, err := tr.client.HGet(ctx, tr.keys.task(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrTaskNotFound
		}

		return nil, err
	}

	return decodeTask(data)
}

// statuses reads the status field of every task in ids. Missing tasks are
// absent from the returned map.
func (tr *TaskRepository) statuses(ctx context.Context, ids []string) (map[string]models.TaskStatus, error) {
	statuses := make(map[string]models.TaskStatus, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))

	_, err := tr.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, tr.keys.task(id), "status")
		}

		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for i, cmd := range cmds {
		status, err := cmd.Result()
		if err != nil {
			continue
		}

		statuses[ids[i]] = models.TaskStatus(status)
	}

	return statuses, nil
}

// loadTasks fetches task documents in one pipeline, skipping ids whose
// hash no longer exists.
func loadTasks(ctx context.Context, client redis.UniversalClient, k keys, ids []string) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0, len(ids))
	if len(ids) == 0 {
		return tasks, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))

	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, k.task(id), "data")
		}

		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}

			return nil, fmt.Errorf("failed to load task %s: %w", ids[i], err)
		}

		task, err := decodeTask(data)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

func decodeTask(data []byte) (*models.Task, error) {
	var task models.Task

	err := json.Unmarshal(data, &task)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}

	return &task, nil
}
