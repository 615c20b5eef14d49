package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// ResultRepository reads results written by TaskRepository.Complete.
type ResultRepository struct {
	client redis.UniversalClient
	keys   keys
	tasks  *TaskRepository
}

func (rr *ResultRepository) GetByID(ctx context.Context, id string) (*models.Result, error) {
	data, err := rr.client.Get(ctx, rr.keys.result(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrResultNotFound
		}

		return nil, fmt.Errorf("failed to load result %s: %w", id, err)
	}

	var result models.Result

	err = json.Unmarshal(data, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", id, err)
	}

	return &result, nil
}

func (rr *ResultRepository) GetByTask(ctx context.Context, taskID string) (*models.Result, error) {
	task, err := rr.tasks.load(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return nil, persistence.NewTaskError("GetResult", taskID, persistence.ErrResultNotFound)
		}

		return nil, persistence.NewTaskError("GetResult", taskID, err)
	}

	if task.ResultID == nil {
		return nil, persistence.NewTaskError("GetResult", taskID, persistence.ErrResultNotFound)
	}

	result, err := rr.GetByID(ctx, *task.ResultID)
	if err != nil {
		return nil, persistence.NewTaskError("GetResult", taskID, err)
	}

	return result, nil
}
