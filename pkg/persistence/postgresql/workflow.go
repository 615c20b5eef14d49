package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

const workflowColumns = `
			id
		  , name
		  , client_id
		  , status
		  , final_report
		  , settled_tasks
		  , created_at
		  , updated_at`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// Create inserts the workflow and its tasks in a single transaction.
func (r *WorkflowRepository) Create(ctx context.Context, workflow *models.Workflow, tasks []*models.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, client_id, status, final_report, settled_tasks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		workflow.ID,
		workflow.Name,
		workflow.ClientID,
		workflow.Status,
		nullJSON(workflow.FinalReport),
		workflow.SettledTasks,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowAlreadyExists)
		}

		return persistence.NewWorkflowError("Create", workflow.ID, fmt.Errorf("failed to insert workflow: %w", err))
	}

	for _, task := range tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, workflow_id, client_id, task_type, step_number, status, progress,
				input, result_id, depends_on, error, started_at, finished_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			task.ID,
			task.WorkflowID,
			task.ClientID,
			task.Type,
			task.StepNumber,
			task.Status,
			nullString(task.Progress),
			nullJSON(task.Input),
			nullString(task.ResultID),
			nullString(task.DependsOn),
			task.Error,
			task.StartedAt,
			task.FinishedAt,
			task.CreatedAt,
			task.UpdatedAt,
		)
		if err != nil {
			return persistence.NewWorkflowError("Create", workflow.ID, fmt.Errorf("failed to insert task %s: %w", task.ID, err))
		}
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewWorkflowError("Create", workflow.ID, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// GetByID returns the workflow with its tasks ordered by step number.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM workflows
		WHERE id = $1
	`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, fmt.Errorf("failed to scan workflow: %w", err))
	}

	tasks, err := queryTasks(ctx, r.db, r.logger, `SELECT`+taskColumns+`
		FROM tasks t
		WHERE t.workflow_id = $1
		ORDER BY t.step_number`, id)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	workflow.Tasks = tasks

	return workflow, nil
}

// GetAll returns all workflows from the database, newest first.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM workflows
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func(ctx context.Context, r *WorkflowRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) UpdateState(
	ctx context.Context,
	id string,
	status models.WorkflowStatus,
	report json.RawMessage,
	settled int,
) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $2, final_report = $3, settled_tasks = $4, updated_at = $5
		WHERE id = $1 AND settled_tasks <= $4`,
		id, status, nullJSON(report), settled, time.Now().UTC(),
	)
	if err != nil {
		if isNoRows(err) {
			return false, persistence.NewWorkflowError("UpdateState", id, persistence.ErrWorkflowNotFound)
		}

		return false, persistence.NewWorkflowError("UpdateState", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewWorkflowError("UpdateState", id, err)
	}

	if affected == 1 {
		return true, nil
	}

	exists, err := rowExists(ctx, r.db, "workflows", id)
	if err != nil {
		return false, persistence.NewWorkflowError("UpdateState", id, err)
	}

	if !exists {
		return false, persistence.NewWorkflowError("UpdateState", id, persistence.ErrWorkflowNotFound)
	}

	return false, nil
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow models.Workflow
		report   []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.ClientID,
		&workflow.Status,
		&report,
		&workflow.SettledTasks,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(report) > 0 {
		workflow.FinalReport = json.RawMessage(report)
	}

	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}

func rowExists(ctx context.Context, db *sql.DB, table, id string) (bool, error) {
	var exists bool

	err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		if pqCode(err) == pqInvalidTextRepr {
			return false, nil
		}

		return false, fmt.Errorf("failed to check %s existence: %w", table, err)
	}

	return exists, nil
}
