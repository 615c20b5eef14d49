package models

import "encoding/json"

// WorkflowDefinition is the declarative description a workflow is built from.
type WorkflowDefinition struct {
	Name  string           `json:"name"  validate:"required,min=3"`
	Steps []StepDefinition `json:"steps" validate:"required,min=1,dive"`
}

// StepDefinition declares one task. DependsOn references another step's
// StepNumber, never a task identity.
type StepDefinition struct {
	TaskType   TaskType        `json:"task_type"            validate:"required"`
	StepNumber int             `json:"step_number"          validate:"required,gt=0"`
	DependsOn  *int            `json:"depends_on,omitempty" validate:"omitempty,gt=0"`
	Input      json.RawMessage `json:"input,omitempty"`
}
