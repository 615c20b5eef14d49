package workflow

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/google/uuid"
)

// TaskTypeChecker reports whether a job is registered for a task type.
type TaskTypeChecker interface {
	Has(taskType models.TaskType) bool
}

// Builder turns a definition into a persisted workflow and its tasks.
// Identities are generated before anything is written, so every dependency
// edge is resolved in memory and the store receives the whole graph at once.
type Builder struct {
	logger    *slog.Logger
	jobs      TaskTypeChecker
	workflows persistence.WorkflowRepository
	events    *notifier
	now       func() time.Time
}

func NewBuilder(logger *slog.Logger, jobs TaskTypeChecker, workflows persistence.WorkflowRepository, opts ...Option) *Builder {
	logger = logger.With("module", "workflow_builder")
	o := newOptions(opts)

	return &Builder{
		logger:    logger,
		jobs:      jobs,
		workflows: workflows,
		events:    newNotifier(logger, o),
		now:       o.now,
	}
}

// Build validates definition and persists it for clientID. It returns a
// *DefinitionError for invalid definitions and a *PersistenceError when the
// store rejects the write. The returned workflow carries its tasks in step
// order.
func (b *Builder) Build(ctx context.Context, clientID string, definition *models.WorkflowDefinition) (*models.Workflow, error) {
	err := b.Validate(definition)
	if err != nil {
		return nil, err
	}

	now := b.now()

	workflow := &models.Workflow{
		ID:        newID(),
		Name:      definition.Name,
		ClientID:  clientID,
		Status:    models.WorkflowStatusInitial,
		CreatedAt: now,
		UpdatedAt: now,
	}

	steps := slices.Clone(definition.Steps)
	slices.SortFunc(steps, func(a, b models.StepDefinition) int {
		return cmp.Compare(a.StepNumber, b.StepNumber)
	})

	idByStep := make(map[int]string, len(steps))
	for _, step := range steps {
		idByStep[step.StepNumber] = newID()
	}

	tasks := make([]*models.Task, 0, len(steps))

	for _, step := range steps {
		task := &models.Task{
			ID:         idByStep[step.StepNumber],
			WorkflowID: workflow.ID,
			ClientID:   clientID,
			Type:       step.TaskType,
			StepNumber: step.StepNumber,
			Status:     models.TaskStatusQueued,
			Input:      step.Input,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if step.DependsOn != nil {
			dependsOn := idByStep[*step.DependsOn]
			task.DependsOn = &dependsOn
		}

		tasks = append(tasks, task)
	}

	err = b.workflows.Create(ctx, workflow, tasks)
	if err != nil {
		return nil, newPersistenceError("create workflow", err)
	}

	workflow.Tasks = tasks

	b.logger.InfoContext(ctx, "workflow created",
		"workflow_id", workflow.ID,
		"client_id", clientID,
		"tasks", len(tasks),
	)

	b.events.publish(ctx, workflow.ID, events.WorkflowCreated{
		BaseEvent:  b.events.base(events.WorkflowCreatedEvent, workflow.ID),
		Name:       workflow.Name,
		ClientID:   clientID,
		TotalTasks: len(tasks),
	})

	return workflow, nil
}

// Validate checks the semantic rules of a definition: at least one step,
// positive and unique step numbers, registered task types, dependencies on
// declared steps other than the step itself, and no dependency cycles.
func (b *Builder) Validate(definition *models.WorkflowDefinition) error {
	if definition == nil || len(definition.Steps) == 0 {
		return &DefinitionError{Reason: "workflow has no steps"}
	}

	declared := make(map[int]*models.StepDefinition, len(definition.Steps))

	for i := range definition.Steps {
		step := &definition.Steps[i]

		if step.StepNumber <= 0 {
			return &DefinitionError{StepNumber: step.StepNumber, Reason: "step number must be positive"}
		}

		if _, exists := declared[step.StepNumber]; exists {
			return &DefinitionError{StepNumber: step.StepNumber, Reason: "step number is declared more than once"}
		}

		if !step.TaskType.Valid() || (b.jobs != nil && !b.jobs.Has(step.TaskType)) {
			return &DefinitionError{StepNumber: step.StepNumber, Reason: fmt.Sprintf("unknown task type %q", step.TaskType)}
		}

		declared[step.StepNumber] = step
	}

	for _, step := range definition.Steps {
		if step.DependsOn == nil {
			continue
		}

		if *step.DependsOn == step.StepNumber {
			return &DefinitionError{StepNumber: step.StepNumber, Reason: "step depends on itself"}
		}

		if _, exists := declared[*step.DependsOn]; !exists {
			return &DefinitionError{
				StepNumber: step.StepNumber,
				Reason:     fmt.Sprintf("depends on undeclared step %d", *step.DependsOn),
			}
		}
	}

	for _, step := range definition.Steps {
		seen := map[int]bool{step.StepNumber: true}

		for current := declared[step.StepNumber]; current.DependsOn != nil; current = declared[*current.DependsOn] {
			if seen[*current.DependsOn] {
				return &DefinitionError{StepNumber: step.StepNumber, Reason: "dependency cycle"}
			}

			seen[*current.DependsOn] = true
		}
	}

	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
