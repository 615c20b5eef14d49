// Package models defines the core domain models for dependency-aware workflow execution.
package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the aggregate state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusInitial    WorkflowStatus = "initial"     // No task has left Queued yet
	WorkflowStatusInProgress WorkflowStatus = "in_progress" // At least one task started, none failed
	WorkflowStatusCompleted  WorkflowStatus = "completed"   // Every task completed
	WorkflowStatusFailed     WorkflowStatus = "failed"      // At least one task failed
)

// IsTerminal reports whether the status carries a final report.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Workflow is an ordered collection of tasks with an aggregate status.
type Workflow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	ClientID string         `json:"client_id"`
	Status   WorkflowStatus `json:"status"`

	// FinalReport is set only when Status is terminal.
	FinalReport json.RawMessage `json:"final_report,omitempty"`

	// SettledTasks is the number of terminal tasks the stored status was computed from.
	SettledTasks int `json:"settled_tasks"`

	Tasks     []*Task   `json:"tasks,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
