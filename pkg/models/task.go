package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
// Transitions are one-directional: queued -> in_progress -> {completed, failed}.
// A task that cannot be dispatched goes straight from queued to failed.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusInProgress || next == TaskStatusFailed
	case TaskStatusInProgress:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	default:
		return false
	}
}

// ProgressStarting is the progress note written when a task is claimed.
const ProgressStarting = "starting job"

// Task is a single unit of declared work within a workflow.
type Task struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	ClientID   string     `json:"client_id"`
	Type       TaskType   `json:"task_type"`
	StepNumber int        `json:"step_number"`
	Status     TaskStatus `json:"status"`

	Progress  *string         `json:"progress,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ResultID  *string         `json:"result_id,omitempty"`
	DependsOn *string         `json:"depends_on,omitempty"`
	Error     string          `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HasDependency reports whether the task waits on another task.
func (t *Task) HasDependency() bool {
	return t.DependsOn != nil && *t.DependsOn != ""
}
