// Package report provides the job summarizing every task of a workflow.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// FinalReport is the closing line of every generated report.
const FinalReport = "Aggregated data & results"

// dependencySchema requires the upstream result to be a JSON object.
var dependencySchema = map[string]any{
	"type": "object",
}

// TaskLister loads the tasks of a workflow in step order.
type TaskLister interface {
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Task, error)
}

// Output is the stored result of a report task.
type Output struct {
	WorkflowID  string  `json:"workflow_id"`
	Tasks       []Entry `json:"tasks"`
	Dependency  any     `json:"dependency,omitempty"`
	FinalReport string  `json:"final_report"`
}

// Entry describes one task of the workflow at the time the report ran.
// Output is the result id of a completed task, a failure marker for a failed
// one and absent otherwise.
type Entry struct {
	TaskID     string            `json:"task_id"`
	TaskType   models.TaskType   `json:"task_type"`
	StepNumber int               `json:"step_number"`
	Status     models.TaskStatus `json:"status"`
	Output     any               `json:"output,omitempty"`
}

type Job struct {
	tasks TaskLister
}

func New(tasks TaskLister) *Job {
	return &Job{tasks: tasks}
}

func (*Job) TaskType() models.TaskType {
	return models.TaskTypeReport
}

func (j *Job) Execute(ctx context.Context, request protocol.JobRequest, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "report_job", "task_id", request.Task.ID, "workflow_id", request.Task.WorkflowID)

	if request.Dependency != nil {
		err := validateDependency(request.Dependency)
		if err != nil {
			logger.WarnContext(ctx, "rejecting dependency result", "error", err)

			return nil, err
		}
	}

	tasks, err := j.tasks.GetByWorkflow(ctx, request.Task.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow tasks: %w", err)
	}

	entries := make([]Entry, 0, len(tasks))

	for _, task := range tasks {
		entry := Entry{
			TaskID:     task.ID,
			TaskType:   task.Type,
			StepNumber: task.StepNumber,
			Status:     task.Status,
		}

		switch {
		case task.Status == models.TaskStatusFailed:
			entry.Output = map[string]string{"error": "Task failed"}
		case task.ResultID != nil:
			entry.Output = *task.ResultID
		}

		entries = append(entries, entry)
	}

	logger.DebugContext(ctx, "report generated", "tasks", len(entries))

	return Output{
		WorkflowID:  request.Task.WorkflowID,
		Tasks:       entries,
		Dependency:  request.Dependency,
		FinalReport: FinalReport,
	}, nil
}

func validateDependency(dependency any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(dependencySchema),
		gojsonschema.NewGoLoader(dependency),
	)
	if err != nil {
		return fmt.Errorf("%w: dependency result: %w", protocol.ErrInvalidInput, err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("%w: dependency result: %s", protocol.ErrInvalidInput, strings.Join(errors, "; "))
	}

	return nil
}
