package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// State is the workflow-level view derived from a snapshot of its tasks.
type State struct {
	Status models.WorkflowStatus
	// Report is set only for Completed and Failed workflows.
	Report json.RawMessage
	// Settled counts tasks in a terminal status.
	Settled int
}

// Aggregate derives the workflow state from tasks. results maps task ids to
// the results of completed tasks and is only consulted when every task
// completed. The same snapshot always yields byte-identical output.
func Aggregate(workflowID string, tasks []*models.Task, results map[string]*models.Result) (State, error) {
	ordered := slices.Clone(tasks)
	persistence.SortByStep(ordered)

	state := State{Status: models.WorkflowStatusInitial}

	var (
		failed    []*models.Task
		completed int
		started   bool
	)

	for _, task := range ordered {
		switch task.Status {
		case models.TaskStatusFailed:
			failed = append(failed, task)
		case models.TaskStatusCompleted:
			completed++
		}

		if task.Status.IsTerminal() {
			state.Settled++
		}

		if task.Status != models.TaskStatusQueued {
			started = true
		}
	}

	var report any

	switch {
	case len(failed) > 0:
		state.Status = models.WorkflowStatusFailed
		report = failureReport(workflowID, failed)
	case len(ordered) > 0 && completed == len(ordered):
		state.Status = models.WorkflowStatusCompleted
		report = completedReport(workflowID, ordered, results)
	case started:
		state.Status = models.WorkflowStatusInProgress
	}

	if report != nil {
		data, err := json.Marshal(report)
		if err != nil {
			return State{}, fmt.Errorf("failed to encode report: %w", err)
		}

		state.Report = data
	}

	return state, nil
}

func failureReport(workflowID string, failed []*models.Task) models.FailureReport {
	report := models.FailureReport{
		WorkflowID:  workflowID,
		Status:      models.WorkflowStatusFailed,
		FailedTasks: make([]models.FailedTaskEntry, 0, len(failed)),
	}

	for _, task := range failed {
		reason := task.Error
		if reason == "" {
			reason = models.TaskFailedPlaceholder
		}

		report.FailedTasks = append(report.FailedTasks, models.FailedTaskEntry{
			TaskID:     task.ID,
			TaskType:   task.Type,
			StepNumber: task.StepNumber,
			Error:      reason,
		})
	}

	return report
}

func completedReport(workflowID string, tasks []*models.Task, results map[string]*models.Result) models.CompletedReport {
	report := models.CompletedReport{
		WorkflowID: workflowID,
		Status:     models.WorkflowStatusCompleted,
		Tasks:      make([]models.ReportEntry, 0, len(tasks)),
	}

	for _, task := range tasks {
		entry := models.ReportEntry{
			TaskID:     task.ID,
			TaskType:   task.Type,
			StepNumber: task.StepNumber,
			Output:     json.RawMessage("null"),
		}

		if result, ok := results[task.ID]; ok && len(result.Data) > 0 {
			entry.Output = result.Data
		}

		report.Tasks = append(report.Tasks, entry)
	}

	return report
}

// Aggregator recomputes and stores the state of a workflow after one of its
// tasks settles.
type Aggregator struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	events      *notifier
}

func NewAggregator(logger *slog.Logger, p persistence.Persistence, opts ...Option) *Aggregator {
	logger = logger.With("module", "workflow_aggregator")

	return &Aggregator{
		logger:      logger,
		persistence: p,
		events:      newNotifier(logger, newOptions(opts)),
	}
}

// Recompute loads the workflow's tasks, derives its state and stores it. A
// state computed from an older snapshot than the stored one is discarded.
// The first time the workflow reaches Completed or Failed a terminal event
// is published.
func (a *Aggregator) Recompute(ctx context.Context, workflowID string) (State, error) {
	workflow, err := a.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return State{}, newPersistenceError("load workflow", err)
	}

	results := make(map[string]*models.Result)

	if allCompleted(workflow.Tasks) {
		for _, task := range workflow.Tasks {
			result, err := a.persistence.ResultRepository().GetByTask(ctx, task.ID)
			if err != nil {
				if persistence.IsResultNotFound(err) {
					continue
				}

				return State{}, newPersistenceError("load result", err)
			}

			results[task.ID] = result
		}
	}

	state, err := Aggregate(workflow.ID, workflow.Tasks, results)
	if err != nil {
		return State{}, err
	}

	applied, err := a.persistence.WorkflowRepository().UpdateState(ctx, workflow.ID, state.Status, state.Report, state.Settled)
	if err != nil {
		return State{}, newPersistenceError("update workflow state", err)
	}

	logger := a.logger.With("workflow_id", workflow.ID, "status", state.Status, "settled", state.Settled)

	if !applied {
		logger.DebugContext(ctx, "newer workflow state already stored")

		return state, nil
	}

	logger.DebugContext(ctx, "workflow state stored")

	if state.Status.IsTerminal() && workflow.Status != state.Status {
		logger.InfoContext(ctx, "workflow finished")

		switch state.Status {
		case models.WorkflowStatusCompleted:
			a.events.publish(ctx, workflow.ID, events.WorkflowCompleted{
				BaseEvent:   a.events.base(events.WorkflowCompletedEvent, workflow.ID),
				FinalReport: state.Report,
			})
		case models.WorkflowStatusFailed:
			a.events.publish(ctx, workflow.ID, events.WorkflowFailed{
				BaseEvent:   a.events.base(events.WorkflowFailedEvent, workflow.ID),
				FinalReport: state.Report,
			})
		}
	}

	return state, nil
}

func allCompleted(tasks []*models.Task) bool {
	if len(tasks) == 0 {
		return false
	}

	for _, task := range tasks {
		if task.Status != models.TaskStatusCompleted {
			return false
		}
	}

	return true
}
