// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/stepflow/pkg/jobs/area"
	"github.com/dukex/stepflow/pkg/jobs/report"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/registry"
)

// NewRegistry binds every task type to its native job.
func NewRegistry(log *slog.Logger, p persistence.Persistence) (*registry.Registry, error) {
	return registry.NewRegistry(log, map[models.TaskType]protocol.Job{
		models.TaskTypeArea:   area.New(),
		models.TaskTypeReport: report.New(p.TaskRepository()),
	})
}
