package persistence

import (
	"cmp"
	"slices"

	"github.com/dukex/stepflow/pkg/models"
)

// SortReady orders ready tasks by selection priority: tasks without a
// dependency first, then lowest step number, then workflow and task identity.
func SortReady(tasks []*models.Task) {
	slices.SortStableFunc(tasks, CompareReady)
}

// CompareReady is the comparison used by SortReady.
func CompareReady(a, b *models.Task) int {
	if a.HasDependency() != b.HasDependency() {
		if a.HasDependency() {
			return 1
		}

		return -1
	}

	return cmp.Or(
		cmp.Compare(a.StepNumber, b.StepNumber),
		cmp.Compare(a.WorkflowID, b.WorkflowID),
		cmp.Compare(a.ID, b.ID),
	)
}

// IsReady reports whether task can be selected given the status of its
// dependency. dependency is nil when the task has none.
func IsReady(task *models.Task, dependency *models.Task) bool {
	if task.Status != models.TaskStatusQueued {
		return false
	}

	if !task.HasDependency() {
		return true
	}

	return dependency != nil && dependency.Status == models.TaskStatusCompleted
}

// SortByStep orders tasks of one workflow by step number.
func SortByStep(tasks []*models.Task) {
	slices.SortStableFunc(tasks, func(a, b *models.Task) int {
		return cmp.Compare(a.StepNumber, b.StepNumber)
	})
}
