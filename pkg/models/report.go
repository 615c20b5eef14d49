package models

import "encoding/json"

// TaskFailedPlaceholder is reported for failed tasks that carry no failure reason.
const TaskFailedPlaceholder = "Task execution failed"

// CompletedReport is the final report of a workflow whose tasks all completed.
type CompletedReport struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	Tasks      []ReportEntry  `json:"tasks"`
}

// ReportEntry carries one task's stored result payload.
type ReportEntry struct {
	TaskID     string          `json:"task_id"`
	TaskType   TaskType        `json:"task_type"`
	StepNumber int             `json:"step_number"`
	Output     json.RawMessage `json:"output"`
}

// FailureReport is the final report of a workflow with at least one failed task.
type FailureReport struct {
	WorkflowID  string            `json:"workflow_id"`
	Status      WorkflowStatus    `json:"status"`
	FailedTasks []FailedTaskEntry `json:"failed_tasks"`
}

type FailedTaskEntry struct {
	TaskID     string   `json:"task_id"`
	TaskType   TaskType `json:"task_type"`
	StepNumber int      `json:"step_number"`
	Error      string   `json:"error"`
}
