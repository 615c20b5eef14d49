package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// ResultRepository reads stored task results.
type ResultRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewResultRepository creates a new result repository.
func NewResultRepository(db *sql.DB, logger *slog.Logger) *ResultRepository {
	return &ResultRepository{db: db, logger: logger}
}

func (r *ResultRepository) GetByID(ctx context.Context, id string) (*models.Result, error) {
	result, err := scanResult(r.db.QueryRowContext(ctx, `
		SELECT id, task_id, data, created_at
		FROM results
		WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, persistence.ErrResultNotFound
		}

		return nil, fmt.Errorf("failed to scan result %s: %w", id, err)
	}

	return result, nil
}

func (r *ResultRepository) GetByTask(ctx context.Context, taskID string) (*models.Result, error) {
	result, err := scanResult(r.db.QueryRowContext(ctx, `
		SELECT id, task_id, data, created_at
		FROM results
		WHERE task_id = $1`, taskID))
	if err != nil {
		if isNoRows(err) {
			return nil, persistence.NewTaskError("GetResult", taskID, persistence.ErrResultNotFound)
		}

		return nil, persistence.NewTaskError("GetResult", taskID, fmt.Errorf("failed to scan result: %w", err))
	}

	return result, nil
}

func scanResult(row scanner) (*models.Result, error) {
	var (
		result models.Result
		data   []byte
	)

	err := row.Scan(&result.ID, &result.TaskID, &data, &result.CreatedAt)
	if err != nil {
		return nil, err
	}

	result.Data = data
	result.CreatedAt = result.CreatedAt.UTC()

	return &result, nil
}
