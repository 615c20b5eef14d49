package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JobResolver resolves the job bound to a task type.
type JobResolver interface {
	Job(taskType models.TaskType) (protocol.Job, error)
}

// Executor runs the lifecycle of a single task: claim, dependency lookup,
// job invocation, result storage and workflow aggregation.
type Executor struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	jobs        JobResolver
	aggregator  *Aggregator
	events      *notifier
	tracer      trace.Tracer
	jobTimeout  time.Duration
	now         func() time.Time
}

func NewExecutor(logger *slog.Logger, p persistence.Persistence, jobs JobResolver, opts ...Option) *Executor {
	o := newOptions(opts)
	aggregator := NewAggregator(logger, p, opts...)
	logger = logger.With("module", "task_executor")

	if o.workerID != "" {
		logger = logger.With("worker_id", o.workerID)
	}

	return &Executor{
		logger:      logger,
		persistence: p,
		jobs:        jobs,
		aggregator:  aggregator,
		events:      newNotifier(logger, o),
		tracer:      o.tracer,
		jobTimeout:  o.jobTimeout,
		now:         o.now,
	}
}

// Execute runs task to a terminal status and recomputes its workflow.
//
// It returns nil when the job succeeded. Otherwise the error is a
// *IllegalStateError when the task was not Queued or another worker claimed
// it first, a *DispatchError or *ExecutionError when the task ended Failed,
// or a *PersistenceError when the store failed.
//
// Cancelling ctx does not interrupt a job that already started; the job and
// the writes that settle its task run to completion.
func (e *Executor) Execute(ctx context.Context, task *models.Task) error {
	logger := e.logger.With(
		"task_id", task.ID,
		"workflow_id", task.WorkflowID,
		"task_type", task.Type,
		"step_number", task.StepNumber,
	)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "stepflow.task.execute",
		attribute.String(otelhelper.WorkflowIDKey, task.WorkflowID),
		attribute.String(otelhelper.TaskIDKey, task.ID),
		attribute.String(otelhelper.TaskTypeKey, string(task.Type)),
		attribute.Int(otelhelper.StepNumberKey, task.StepNumber),
	)
	defer span.End()

	err := e.execute(ctx, task, logger)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (e *Executor) execute(ctx context.Context, task *models.Task, logger *slog.Logger) error {
	if task.Status != models.TaskStatusQueued {
		return &IllegalStateError{TaskID: task.ID, Status: task.Status, Expected: models.TaskStatusQueued}
	}

	job, err := e.jobs.Job(task.Type)
	if err != nil {
		return e.failUndispatchable(ctx, task, err, logger)
	}

	won, err := e.persistence.TaskRepository().Claim(ctx, task.ID, models.ProgressStarting)
	if err != nil {
		return newPersistenceError("claim task", err)
	}

	if !won {
		logger.DebugContext(ctx, "task claimed elsewhere")

		return &IllegalStateError{TaskID: task.ID, Expected: models.TaskStatusQueued}
	}

	startedAt := e.now()
	ctx = context.WithoutCancel(ctx)

	logger.InfoContext(ctx, "task started")
	e.events.publish(ctx, task.WorkflowID, events.TaskStarted{
		BaseEvent: e.events.base(events.TaskStartedEvent, task.WorkflowID),
		TaskEvent: events.NewTaskEvent(task),
	})

	dependency, err := e.dependencyResult(ctx, task)
	if err != nil {
		persistErr := newPersistenceError("load dependency result", err)

		return join(persistErr, e.fail(ctx, task, models.TaskStatusInProgress, persistErr, startedAt, logger))
	}

	output, err := e.run(ctx, job, protocol.JobRequest{Task: task, Dependency: dependency}, logger)
	if err != nil {
		execErr := &ExecutionError{TaskID: task.ID, TaskType: task.Type, Err: err}

		return join(execErr, e.fail(ctx, task, models.TaskStatusInProgress, execErr, startedAt, logger))
	}

	data, err := encodeOutput(output)
	if err != nil {
		execErr := &ExecutionError{TaskID: task.ID, TaskType: task.Type, Err: err}

		return join(execErr, e.fail(ctx, task, models.TaskStatusInProgress, execErr, startedAt, logger))
	}

	result := &models.Result{
		ID:        newID(),
		TaskID:    task.ID,
		Data:      data,
		CreatedAt: e.now(),
	}

	won, err = e.persistence.TaskRepository().Complete(ctx, task.ID, result)
	if err != nil {
		return newPersistenceError("complete task", err)
	}

	if !won {
		logger.WarnContext(ctx, "task left in_progress before it could complete")

		return join(
			&IllegalStateError{TaskID: task.ID, Expected: models.TaskStatusInProgress},
			e.recompute(ctx, task.WorkflowID, logger),
		)
	}

	duration := e.now().Sub(startedAt)
	logger.InfoContext(ctx, "task completed", "result_id", result.ID, "duration", duration)

	e.events.publish(ctx, task.WorkflowID, events.TaskCompleted{
		BaseEvent:  e.events.base(events.TaskCompletedEvent, task.WorkflowID),
		TaskEvent:  events.NewTaskEvent(task),
		ResultID:   result.ID,
		DurationMs: duration.Milliseconds(),
	})

	return e.recompute(ctx, task.WorkflowID, logger)
}

// failUndispatchable moves a task with no job straight from Queued to Failed.
func (e *Executor) failUndispatchable(ctx context.Context, task *models.Task, cause error, logger *slog.Logger) error {
	dispatchErr := &DispatchError{TaskID: task.ID, TaskType: task.Type, Err: cause}

	won, err := e.persistence.TaskRepository().Fail(ctx, task.ID, models.TaskStatusQueued, dispatchErr.Error())
	if err != nil {
		return join(dispatchErr, newPersistenceError("fail task", err))
	}

	if !won {
		return &IllegalStateError{TaskID: task.ID, Expected: models.TaskStatusQueued}
	}

	logger.ErrorContext(ctx, "task failed", "error", dispatchErr)
	e.publishFailure(ctx, task, dispatchErr, 0)

	return join(dispatchErr, e.recompute(ctx, task.WorkflowID, logger))
}

// fail settles a claimed task as Failed and recomputes its workflow. It
// returns only store errors; the cause is the caller's to report.
func (e *Executor) fail(
	ctx context.Context,
	task *models.Task,
	from models.TaskStatus,
	cause error,
	startedAt time.Time,
	logger *slog.Logger,
) error {
	won, err := e.persistence.TaskRepository().Fail(ctx, task.ID, from, cause.Error())
	if err != nil {
		logger.ErrorContext(ctx, "failed to mark task as failed", "error", err, "cause", cause)

		return newPersistenceError("fail task", err)
	}

	if !won {
		logger.WarnContext(ctx, "task settled elsewhere before it could fail", "cause", cause)

		return e.recompute(ctx, task.WorkflowID, logger)
	}

	duration := e.now().Sub(startedAt)
	logger.ErrorContext(ctx, "task failed", "error", cause, "duration", duration)
	e.publishFailure(ctx, task, cause, duration)

	return e.recompute(ctx, task.WorkflowID, logger)
}

func (e *Executor) publishFailure(ctx context.Context, task *models.Task, cause error, duration time.Duration) {
	e.events.publish(ctx, task.WorkflowID, events.TaskFailed{
		BaseEvent:  e.events.base(events.TaskFailedEvent, task.WorkflowID),
		TaskEvent:  events.NewTaskEvent(task),
		Error:      cause.Error(),
		DurationMs: duration.Milliseconds(),
	})
}

func (e *Executor) recompute(ctx context.Context, workflowID string, logger *slog.Logger) error {
	_, err := e.aggregator.Recompute(ctx, workflowID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to recompute workflow state", "error", err)

		return err
	}

	return nil
}

// dependencyResult returns the deserialized result payload of the task's
// dependency, or nil when there is no dependency or it stored no result.
func (e *Executor) dependencyResult(ctx context.Context, task *models.Task) (any, error) {
	if !task.HasDependency() {
		return nil, nil
	}

	result, err := e.persistence.ResultRepository().GetByTask(ctx, *task.DependsOn)
	if err != nil {
		if persistence.IsResultNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	if len(result.Data) == 0 {
		return nil, nil
	}

	var payload any

	err = json.Unmarshal(result.Data, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", result.ID, err)
	}

	return payload, nil
}

type jobOutcome struct {
	output any
	err    error
}

// run invokes job under the configured timeout, converting panics into errors.
// A job that ignores its context past the deadline is abandoned.
func (e *Executor) run(ctx context.Context, job protocol.Job, request protocol.JobRequest, logger *slog.Logger) (any, error) {
	if e.jobTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.jobTimeout)
		defer cancel()
	}

	done := make(chan jobOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- jobOutcome{err: fmt.Errorf("job panicked: %v", r)}
			}
		}()

		output, err := job.Execute(ctx, request, logger)
		done <- jobOutcome{output: output, err: err}
	}()

	select {
	case outcome := <-done:
		return outcome.output, outcome.err
	case <-ctx.Done():
		return nil, fmt.Errorf("job did not finish: %w", ctx.Err())
	}
}

// encodeOutput serializes a job output. A job that returns nothing stores
// an empty object so every completed task has a result.
func encodeOutput(output any) (json.RawMessage, error) {
	if output == nil {
		return json.RawMessage(`{}`), nil
	}

	if raw, ok := output.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("job returned invalid JSON")
		}

		return raw, nil
	}

	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job output: %w", err)
	}

	return data, nil
}

// join keeps primary as the returned error unless secondary also occurred.
func join(primary, secondary error) error {
	if secondary == nil {
		return primary
	}

	return errors.Join(primary, secondary)
}
