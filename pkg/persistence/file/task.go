package file

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// TaskRepository handles task files and their status transitions.
type TaskRepository struct {
	store *store
}

func (tr *TaskRepository) GetByID(_ context.Context, id string) (*models.Task, error) {
	var task models.Task

	err := tr.store.locked(func() error {
		return tr.store.read(tasksDir, id, &task)
	})
	if err != nil {
		if isNotExist(err) {
			return nil, persistence.NewTaskError("GetByID", id, persistence.ErrTaskNotFound)
		}

		return nil, persistence.NewTaskError("GetByID", id, err)
	}

	return &task, nil
}

func (tr *TaskRepository) GetByWorkflow(_ context.Context, workflowID string) ([]*models.Task, error) {
	var tasks []*models.Task

	err := tr.store.locked(func() error {
		var err error

		tasks, err = tasksOf(tr.store, workflowID)

		return err
	})
	if err != nil {
		return nil, persistence.NewWorkflowError("GetTasks", workflowID, err)
	}

	return tasks, nil
}

func (tr *TaskRepository) FindReady(_ context.Context, limit int) ([]*models.Task, error) {
	var ready []*models.Task

	err := tr.store.locked(func() error {
		tasks, err := allTasks(tr.store)
		if err != nil {
			return err
		}

		byID := make(map[string]*models.Task, len(tasks))
		for _, task := range tasks {
			byID[task.ID] = task
		}

		for _, task := range tasks {
			var dependency *models.Task
			if task.HasDependency() {
				dependency = byID[*task.DependsOn]
			}

			if persistence.IsReady(task, dependency) {
				ready = append(ready, task)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find ready tasks: %w", err)
	}

	persistence.SortReady(ready)

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	return ready, nil
}

func (tr *TaskRepository) FindStale(_ context.Context, startedBefore time.Time) ([]*models.Task, error) {
	var stale []*models.Task

	err := tr.store.locked(func() error {
		tasks, err := allTasks(tr.store)
		if err != nil {
			return err
		}

		for _, task := range tasks {
			if task.Status == models.TaskStatusInProgress && task.StartedAt != nil && task.StartedAt.Before(startedBefore) {
				stale = append(stale, task)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find stale tasks: %w", err)
	}

	persistence.SortByStep(stale)

	return stale, nil
}

func (tr *TaskRepository) Claim(_ context.Context, id string, progress string) (bool, error) {
	return tr.transition("Claim", id, func(task *models.Task, now time.Time) bool {
		if task.Status != models.TaskStatusQueued {
			return false
		}

		task.Status = models.TaskStatusInProgress
		task.Progress = &progress
		task.StartedAt = &now

		return true
	})
}

func (tr *TaskRepository) Complete(_ context.Context, id string, result *models.Result) (bool, error) {
	won := false

	err := tr.store.locked(func() error {
		var task models.Task

		err := tr.store.read(tasksDir, id, &task)
		if err != nil {
			return err
		}

		if task.Status != models.TaskStatusInProgress {
			return nil
		}

		now := time.Now().UTC()
		if result.CreatedAt.IsZero() {
			result.CreatedAt = now
		}

		result.TaskID = id

		err = tr.store.write(resultsDir, result.ID, result)
		if err != nil {
			return err
		}

		task.Status = models.TaskStatusCompleted
		task.Progress = nil
		task.ResultID = &result.ID
		task.FinishedAt = &now
		task.UpdatedAt = now

		err = tr.store.write(tasksDir, id, &task)
		if err != nil {
			tr.store.remove(resultsDir, result.ID)

			return err
		}

		won = true

		return nil
	})
	if err != nil {
		if isNotExist(err) {
			return false, persistence.NewTaskError("Complete", id, persistence.ErrTaskNotFound)
		}

		return false, persistence.NewTaskError("Complete", id, err)
	}

	return won, nil
}

func (tr *TaskRepository) Fail(_ context.Context, id string, from models.TaskStatus, reason string) (bool, error) {
	return tr.transition("Fail", id, func(task *models.Task, now time.Time) bool {
		if task.Status != from || !from.CanTransitionTo(models.TaskStatusFailed) {
			return false
		}

		task.Status = models.TaskStatusFailed
		task.Progress = nil
		task.Error = reason
		task.FinishedAt = &now

		return true
	})
}

// transition applies mutate under the store lock and persists the task only
// when mutate accepts the current state.
func (tr *TaskRepository) transition(op, id string, mutate func(task *models.Task, now time.Time) bool) (bool, error) {
	won := false

	err := tr.store.locked(func() error {
		var task models.Task

		err := tr.store.read(tasksDir, id, &task)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !mutate(&task, now) {
			return nil
		}

		task.UpdatedAt = now

		err = tr.store.write(tasksDir, id, &task)
		if err != nil {
			return err
		}

		won = true

		return nil
	})
	if err != nil {
		if isNotExist(err) {
			return false, persistence.NewTaskError(op, id, persistence.ErrTaskNotFound)
		}

		return false, persistence.NewTaskError(op, id, err)
	}

	return won, nil
}

func allTasks(s *store) ([]*models.Task, error) {
	ids, err := s.ids(tasksDir)
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, 0, len(ids))

	for _, id := range ids {
		var task models.Task

		err := s.read(tasksDir, id, &task)
		if err != nil {
			if isNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("failed to load task %s: %w", id, err)
		}

		tasks = append(tasks, &task)
	}

	return tasks, nil
}

func tasksOf(s *store, workflowID string) ([]*models.Task, error) {
	tasks, err := allTasks(s)
	if err != nil {
		return nil, err
	}

	owned := make([]*models.Task, 0)

	for _, task := range tasks {
		if task.WorkflowID == workflowID {
			owned = append(owned, task)
		}
	}

	persistence.SortByStep(owned)

	return owned, nil
}
