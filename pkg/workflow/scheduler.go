package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"golang.org/x/sync/errgroup"
)

// TaskRunner executes one task to a terminal status.
type TaskRunner interface {
	Execute(ctx context.Context, task *models.Task) error
}

type SchedulerConfig struct {
	// PollInterval is the sleep after an empty scan.
	PollInterval time.Duration
	// MaxPollInterval caps the idle backoff, which doubles after every
	// consecutive empty scan.
	MaxPollInterval time.Duration
	// Workers is the number of concurrent pollers. Each runs one task at a time.
	Workers int
	// Candidates bounds how many ready tasks one scan considers.
	Candidates int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:    5 * time.Second,
		MaxPollInterval: 30 * time.Second,
		Workers:         1,
		Candidates:      16,
	}
}

// Scheduler polls the store for ready tasks and hands them to a TaskRunner.
// Several schedulers, in one or many processes, may poll the same store:
// the atomic claim guarantees a task runs once.
type Scheduler struct {
	logger *slog.Logger
	tasks  persistence.TaskRepository
	runner TaskRunner
	config SchedulerConfig
	wake   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func NewScheduler(logger *slog.Logger, tasks persistence.TaskRepository, runner TaskRunner, config SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()

	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}

	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}

	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}

	if config.Candidates < config.Workers {
		config.Candidates = max(defaults.Candidates, config.Workers)
	}

	return &Scheduler{
		logger: logger.With("module", "task_scheduler"),
		tasks:  tasks,
		runner: runner,
		config: config,
		wake:   make(chan struct{}, config.Workers),
	}
}

// Wake interrupts idle pollers so they scan immediately.
func (s *Scheduler) Wake() {
	for range s.config.Workers {
		select {
		case s.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Start runs the pollers in the background until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	s.cancel, s.done = cancel, done

	go func() {
		done <- s.Run(ctx)
	}()

	return nil
}

// Stop cancels the pollers and waits for in-flight tasks to settle.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	return <-done
}

// Run polls until ctx is cancelled. Cancellation is observed between scans;
// a task that already started is executed to the end.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		"workers", s.config.Workers,
		"poll_interval", s.config.PollInterval,
		"max_poll_interval", s.config.MaxPollInterval,
	)

	g, ctx := errgroup.WithContext(ctx)

	for id := range s.config.Workers {
		g.Go(func() error {
			s.poll(ctx, id)

			return nil
		})
	}

	err := g.Wait()

	s.logger.Info("scheduler stopped")

	return err
}

func (s *Scheduler) poll(ctx context.Context, id int) {
	logger := s.logger.With("poller", id)
	delay := s.config.PollInterval

	for ctx.Err() == nil {
		ran, err := s.Tick(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}

		if ran {
			delay = s.config.PollInterval

			continue
		}

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-s.wake:
			timer.Stop()

			delay = s.config.PollInterval
		case <-timer.C:
			delay = min(delay*2, s.config.MaxPollInterval)
		}
	}
}

// Tick performs one scan: it walks the ready tasks in selection order and
// executes the first one this scheduler manages to claim. It reports whether
// a task was executed. Task failures are logged here and never returned;
// the error reports a store failure, during the scan or while the task was
// settling, and the poller backs off as if nothing ran.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	candidates, err := s.tasks.FindReady(ctx, s.config.Candidates)
	if err != nil {
		return false, newPersistenceError("find ready tasks", err)
	}

	for _, task := range candidates {
		if ctx.Err() != nil {
			return false, nil
		}

		err := s.runner.Execute(ctx, task)

		var (
			illegal  *IllegalStateError
			storeErr *PersistenceError
		)

		switch {
		case err == nil:
		case errors.As(err, &illegal) && illegal.Expected == models.TaskStatusQueued:
			// Lost the claim to another poller.
			continue
		case errors.Is(err, ErrDispatch), errors.Is(err, ErrExecution):
			s.logger.WarnContext(ctx, "task failed",
				"task_id", task.ID,
				"workflow_id", task.WorkflowID,
				"error", err,
			)
		case errors.As(err, &storeErr):
			return false, fmt.Errorf("task %s: %w", task.ID, err)
		default:
			s.logger.ErrorContext(ctx, "task returned unexpected error", "task_id", task.ID, "error", err)
		}

		return true, nil
	}

	return false, nil
}
