package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// ReasonAbandoned is stored on tasks failed by the reaper.
const ReasonAbandoned = "task abandoned by worker"

const DefaultReaperSchedule = "@every 1m"

// ErrUnsafeStaleWindow is returned by Start when a job on a healthy worker
// could still be running once its task counts as stale.
var ErrUnsafeStaleWindow = errors.New("stale-after must exceed a non-zero job timeout")

// Reaper fails tasks left InProgress longer than staleAfter, which happens
// when a worker dies between claiming a task and settling it. It never
// retries anything.
type Reaper struct {
	logger     *slog.Logger
	tasks      persistence.TaskRepository
	aggregator *Aggregator
	events     *notifier
	staleAfter time.Duration
	jobTimeout time.Duration
	schedule   string
	now        func() time.Time
	mu         sync.Mutex
	cron       *cron.Cron
}

func NewReaper(logger *slog.Logger, p persistence.Persistence, staleAfter time.Duration, schedule string, opts ...Option) *Reaper {
	o := newOptions(opts)
	aggregator := NewAggregator(logger, p, opts...)
	logger = logger.With("module", "task_reaper")

	if schedule == "" {
		schedule = DefaultReaperSchedule
	}

	return &Reaper{
		logger:     logger,
		tasks:      p.TaskRepository(),
		aggregator: aggregator,
		events:     newNotifier(logger, o),
		staleAfter: staleAfter,
		jobTimeout: o.jobTimeout,
		schedule:   schedule,
		now:        o.now,
	}
}

// Reap fails every stale task once and recomputes the affected workflows.
// It returns how many tasks it failed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	stale, err := r.tasks.FindStale(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, newPersistenceError("find stale tasks", err)
	}

	reaped := 0
	workflows := make(map[string]struct{})

	for _, task := range stale {
		won, err := r.tasks.Fail(ctx, task.ID, models.TaskStatusInProgress, ReasonAbandoned)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to reap task", "task_id", task.ID, "error", err)

			continue
		}

		if !won {
			continue
		}

		reaped++
		workflows[task.WorkflowID] = struct{}{}

		r.logger.WarnContext(ctx, "reaped abandoned task",
			"task_id", task.ID,
			"workflow_id", task.WorkflowID,
			"started_at", task.StartedAt,
		)

		r.events.publish(ctx, task.WorkflowID, events.TaskFailed{
			BaseEvent: r.events.base(events.TaskFailedEvent, task.WorkflowID),
			TaskEvent: events.NewTaskEvent(task),
			Error:     ReasonAbandoned,
		})
	}

	for workflowID := range workflows {
		_, err := r.aggregator.Recompute(ctx, workflowID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to recompute workflow state", "workflow_id", workflowID, "error", err)
		}
	}

	return reaped, nil
}

// Start runs Reap on the configured cron schedule. Overlapping runs are
// skipped. The job timeout given through WithJobTimeout must be set and
// shorter than staleAfter.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return errors.New("reaper already started")
	}

	if r.jobTimeout <= 0 || r.staleAfter <= r.jobTimeout {
		return fmt.Errorf("%w: stale after %s, job timeout %s", ErrUnsafeStaleWindow, r.staleAfter, r.jobTimeout)
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := c.AddFunc(r.schedule, func() {
		reaped, err := r.Reap(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "reaper run failed", "error", err)

			return
		}

		if reaped > 0 {
			r.logger.InfoContext(ctx, "reaper run finished", "reaped", reaped)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}

	c.Start()
	r.cron = c

	r.logger.InfoContext(ctx, "reaper started", "schedule", r.schedule, "stale_after", r.staleAfter)

	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return
	}

	<-r.cron.Stop().Done()
	r.cron = nil
}
