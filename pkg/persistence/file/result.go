package file

import (
	"context"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// ResultRepository reads stored task results. Results are written by
// TaskRepository.Complete.
type ResultRepository struct {
	store *store
}

func (rr *ResultRepository) GetByID(_ context.Context, id string) (*models.Result, error) {
	var result models.Result

	err := rr.store.locked(func() error {
		return rr.store.read(resultsDir, id, &result)
	})
	if err != nil {
		if isNotExist(err) {
			return nil, persistence.ErrResultNotFound
		}

		return nil, err
	}

	return &result, nil
}

func (rr *ResultRepository) GetByTask(_ context.Context, taskID string) (*models.Result, error) {
	var result models.Result

	err := rr.store.locked(func() error {
		var task models.Task

		err := rr.store.read(tasksDir, taskID, &task)
		if err != nil {
			return err
		}

		if task.ResultID == nil {
			return persistence.ErrResultNotFound
		}

		return rr.store.read(resultsDir, *task.ResultID, &result)
	})
	if err != nil {
		if isNotExist(err) {
			return nil, persistence.NewTaskError("GetResult", taskID, persistence.ErrResultNotFound)
		}

		return nil, persistence.NewTaskError("GetResult", taskID, err)
	}

	return &result, nil
}
