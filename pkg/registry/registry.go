// Package registry resolves task types to the jobs that execute them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

var (
	ErrJobNotRegistered = errors.New("job not registered")
	ErrUnknownTaskType  = errors.New("unknown task type")
)

// Registry maps each task type to exactly one job. It is built once at startup
// and never changes afterwards.
type Registry struct {
	logger *slog.Logger
	jobs   map[models.TaskType]protocol.Job
}

// NewRegistry builds a registry from the given jobs. Every key must be one of
// models.TaskTypes().
func NewRegistry(log *slog.Logger, jobs map[models.TaskType]protocol.Job) (*Registry, error) {
	registered := make(map[models.TaskType]protocol.Job, len(jobs))

	for taskType, job := range jobs {
		if !taskType.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
		}

		if job == nil {
			return nil, fmt.Errorf("job for task type %q is nil", taskType)
		}

		registered[taskType] = job
	}

	log.Debug("Job registry built", "task_types", slices.Sorted(maps.Keys(registered)))

	return &Registry{
		logger: log,
		jobs:   registered,
	}, nil
}

// Job returns the job bound to taskType.
func (r *Registry) Job(taskType models.TaskType) (protocol.Job, error) {
	job, ok := r.jobs[taskType]
	if !ok {
		return nil, fmt.Errorf("task type '%s': %w", taskType, ErrJobNotRegistered)
	}

	return job, nil
}

// Has reports whether a job is bound to taskType.
func (r *Registry) Has(taskType models.TaskType) bool {
	_, ok := r.jobs[taskType]

	return ok
}

// TaskTypes returns the registered task types in lexical order.
func (r *Registry) TaskTypes() []models.TaskType {
	return slices.Sorted(maps.Keys(r.jobs))
}

// HealthCheck reports whether every task type has a job.
func (r *Registry) HealthCheck() (string, bool) {
	for _, taskType := range models.TaskTypes() {
		if !r.Has(taskType) {
			return fmt.Sprintf("no job registered for task type %q", taskType), false
		}
	}

	return "Registry is healthy", true
}
