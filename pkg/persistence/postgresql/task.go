package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

const taskColumns = `
			t.id
		  , t.workflow_id
		  , t.client_id
		  , t.task_type
		  , t.step_number
		  , t.status
		  , t.progress
		  , t.input
		  , t.result_id
		  , t.depends_on
		  , COALESCE(t.error, '')
		  , t.started_at
		  , t.finished_at
		  , t.created_at
		  , t.updated_at`

// TaskRepository performs task status transitions as conditional updates.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT` + taskColumns + `
		FROM tasks t
		WHERE t.id = $1
	`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, persistence.NewTaskError("GetByID", id, persistence.ErrTaskNotFound)
		}

		return nil, persistence.NewTaskError("GetByID", id, fmt.Errorf("failed to scan task: %w", err))
	}

	return task, nil
}

func (r *TaskRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Task, error) {
	tasks, err := queryTasks(ctx, r.db, r.logger, `SELECT`+taskColumns+`
		FROM tasks t
		WHERE t.workflow_id = $1
		ORDER BY t.step_number`, workflowID)
	if err != nil {
		if pqCode(err) == pqInvalidTextRepr {
			return []*models.Task{}, nil
		}

		return nil, persistence.NewWorkflowError("GetTasks", workflowID, err)
	}

	return tasks, nil
}

// FindReady selects queued tasks whose dependency is completed. The ORDER BY
// mirrors persistence.CompareReady.
func (r *TaskRepository) FindReady(ctx context.Context, limit int) ([]*models.Task, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	tasks, err := queryTasks(ctx, r.db, r.logger, `SELECT`+taskColumns+`
		FROM tasks t
		LEFT JOIN tasks d ON d.id = t.depends_on
		WHERE t.status = 'queued'
		  AND (t.depends_on IS NULL OR d.status = 'completed')
		ORDER BY (t.depends_on IS NOT NULL), t.step_number, t.workflow_id, t.id
		LIMIT $1`, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to find ready tasks: %w", err)
	}

	return tasks, nil
}

func (r *TaskRepository) FindStale(ctx context.Context, startedBefore time.Time) ([]*models.Task, error) {
	tasks, err := queryTasks(ctx, r.db, r.logger, `SELECT`+taskColumns+`
		FROM tasks t
		WHERE t.status = 'in_progress' AND t.started_at < $1
		ORDER BY t.started_at, t.id`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale tasks: %w", err)
	}

	return tasks, nil
}

func (r *TaskRepository) Claim(ctx context.Context, id string, progress string) (bool, error) {
	now := time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', progress = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'queued'`,
		id, progress, now,
	)

	return r.applied(ctx, "Claim", id, result, err)
}

// Complete marks the task completed and inserts its result in one transaction.
func (r *TaskRepository) Complete(ctx context.Context, id string, result *models.Result) (bool, error) {
	now := time.Now().UTC()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}

	result.TaskID = id

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, persistence.NewTaskError("Complete", id, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer rollback(ctx, r.logger, tx)

	updated, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed', progress = NULL, result_id = $2, finished_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'in_progress'`,
		id, result.ID, now,
	)
	if err != nil {
		return r.applied(ctx, "Complete", id, nil, err)
	}

	affected, err := updated.RowsAffected()
	if err != nil {
		return false, persistence.NewTaskError("Complete", id, err)
	}

	if affected != 1 {
		rollback(ctx, r.logger, tx)

		return r.applied(ctx, "Complete", id, updated, nil)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (id, task_id, data, created_at)
		VALUES ($1, $2, $3, $4)`,
		result.ID, id, string(result.Data), result.CreatedAt,
	)
	if err != nil {
		return false, persistence.NewTaskError("Complete", id, fmt.Errorf("failed to insert result: %w", err))
	}

	err = tx.Commit()
	if err != nil {
		return false, persistence.NewTaskError("Complete", id, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return true, nil
}

func (r *TaskRepository) Fail(ctx context.Context, id string, from models.TaskStatus, reason string) (bool, error) {
	if !from.CanTransitionTo(models.TaskStatusFailed) {
		return false, nil
	}

	now := time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', progress = NULL, error = $3, finished_at = $4, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, from, reason, now,
	)

	return r.applied(ctx, "Fail", id, result, err)
}

// applied interprets the outcome of a conditional update: one affected row
// means the transition was won; zero rows means the task is missing or no
// longer in the expected status.
func (r *TaskRepository) applied(ctx context.Context, op, id string, result sql.Result, err error) (bool, error) {
	if err != nil {
		if isNoRows(err) {
			return false, persistence.NewTaskError(op, id, persistence.ErrTaskNotFound)
		}

		return false, persistence.NewTaskError(op, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewTaskError(op, id, err)
	}

	if affected == 1 {
		return true, nil
	}

	exists, err := rowExists(ctx, r.db, "tasks", id)
	if err != nil {
		return false, persistence.NewTaskError(op, id, err)
	}

	if !exists {
		return false, persistence.NewTaskError(op, id, persistence.ErrTaskNotFound)
	}

	return false, nil
}

func queryTasks(ctx context.Context, db *sql.DB, logger *slog.Logger, query string, args ...any) ([]*models.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	tasks := make([]*models.Task, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		task       models.Task
		progress   sql.NullString
		input      []byte
		resultID   sql.NullString
		dependsOn  sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.WorkflowID,
		&task.ClientID,
		&task.Type,
		&task.StepNumber,
		&task.Status,
		&progress,
		&input,
		&resultID,
		&dependsOn,
		&task.Error,
		&startedAt,
		&finishedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if progress.Valid {
		task.Progress = &progress.String
	}

	if len(input) > 0 {
		task.Input = input
	}

	if resultID.Valid {
		task.ResultID = &resultID.String
	}

	if dependsOn.Valid {
		task.DependsOn = &dependsOn.String
	}

	if startedAt.Valid {
		t := startedAt.Time.UTC()
		task.StartedAt = &t
	}

	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		task.FinishedAt = &t
	}

	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()

	return &task, nil
}
