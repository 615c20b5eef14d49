// Package main provides the stepflow worker, which executes ready tasks.
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/workflow"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(err)
	}

	defaults := workflow.DefaultSchedulerConfig()

	cmd := &cli.Command{
		Name:                  "stepflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute workflow tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of concurrent pollers",
				Value:   defaults.Workers,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Sleep after an empty scan",
				Value:   defaults.PollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "max-poll-interval",
				Usage:   "Ceiling of the idle backoff",
				Value:   defaults.MaxPollInterval,
				Sources: cli.EnvVars("MAX_POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "job-timeout",
				Usage:   "Maximum duration of a single job, shorter than stale-after",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("JOB_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "reaper-schedule",
				Usage:   "Cron schedule of the stale task reaper",
				Value:   workflow.DefaultReaperSchedule,
				Sources: cli.EnvVars("REAPER_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Age after which an in-progress task is considered abandoned",
				Value:   15 * time.Minute,
				Sources: cli.EnvVars("STALE_AFTER"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("stepflow-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Stepflow Worker")

			tracer := otelhelper.NoopTracer()

			if command.Bool("tracing") {
				t, shutdown, err := otelhelper.NewTracer(ctx, "stepflow-worker")
				if err != nil {
					return err
				}

				defer func() {
					err := shutdown(context.WithoutCancel(ctx))
					if err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()

				tracer = t
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			registry, err := cmd.NewRegistry(logger, persistence)
			if err != nil {
				return err
			}

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			worker := NewWorkerManager(
				WorkerConfig{
					ID: workerID,
					Scheduler: workflow.SchedulerConfig{
						PollInterval:    command.Duration("poll-interval"),
						MaxPollInterval: command.Duration("max-poll-interval"),
						Workers:         command.Int("workers"),
						Candidates:      defaults.Candidates,
					},
					JobTimeout:     command.Duration("job-timeout"),
					StaleAfter:     command.Duration("stale-after"),
					ReaperSchedule: command.String("reaper-schedule"),
				},
				persistence,
				eventBus,
				logger,
				registry,
				tracer,
			)

			return worker.Run(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
