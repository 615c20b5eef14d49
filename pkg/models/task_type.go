package models

import "slices"

// TaskType tags a task with the job that executes it.
type TaskType string

// The closed set of task types a workflow may declare.
const (
	TaskTypeArea   TaskType = "area"
	TaskTypeReport TaskType = "report"
)

var taskTypes = []TaskType{TaskTypeArea, TaskTypeReport}

// TaskTypes returns every known task type.
func TaskTypes() []TaskType {
	return slices.Clone(taskTypes)
}

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	return slices.Contains(taskTypes, t)
}

func (t TaskType) String() string {
	return string(t)
}
