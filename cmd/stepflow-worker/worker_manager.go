package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

type WorkerConfig struct {
	ID             string
	Scheduler      workflow.SchedulerConfig
	JobTimeout     time.Duration
	StaleAfter     time.Duration
	ReaperSchedule string
}

type WorkerManager struct {
	id        string
	logger    *slog.Logger
	eventBus  eventbus.EventBus
	scheduler *workflow.Scheduler
	reaper    *workflow.Reaper
}

func NewWorkerManager(
	config WorkerConfig,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	registry *registry.Registry,
	tracer trace.Tracer,
) *WorkerManager {
	opts := []workflow.Option{
		workflow.WithPublisher(eventBus),
		workflow.WithWorkerID(config.ID),
		workflow.WithJobTimeout(config.JobTimeout),
		workflow.WithTracer(tracer),
	}

	executor := workflow.NewExecutor(logger, persistence, registry, opts...)

	return &WorkerManager{
		id:        config.ID,
		logger:    logger.With("module", "stepflow-worker", "worker_id", config.ID),
		eventBus:  eventBus,
		scheduler: workflow.NewScheduler(logger, persistence.TaskRepository(), executor, config.Scheduler),
		reaper:    workflow.NewReaper(logger, persistence, config.StaleAfter, config.ReaperSchedule, opts...),
	}
}

// Run executes tasks until ctx is cancelled, then waits for in-flight tasks.
func (w *WorkerManager) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.reaper.Start(ctx)
	if err != nil {
		return err
	}
	defer w.reaper.Stop()

	err = w.eventBus.Handle(events.WorkflowCreatedEvent, w.wake)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.TaskCompletedEvent, w.wake)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	err = w.scheduler.Start(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	<-ctx.Done()
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return w.scheduler.Stop()
}

// wake cuts the pollers' idle sleep short when new work may be ready.
func (w *WorkerManager) wake(ctx context.Context, event any) error {
	if e, ok := event.(eventbus.Event); ok {
		w.logger.DebugContext(ctx, "Waking pollers", "event_type", e.GetType())
	}

	w.scheduler.Wake()

	return nil
}
