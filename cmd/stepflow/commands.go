package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/services"
	"github.com/dukex/stepflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// NewCommand builds the CLI; results are written to out as indented JSON.
func NewCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:                  "stepflow",
		Usage:                 "Submit workflows and inspect their progress",
		EnableShellCompletion: true,
		Writer:                out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus used to notify workers (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Aliases:   []string{"s"},
				Usage:     "Create a workflow from a YAML definition file",
				ArgsUsage: "<definition.yml>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "client-id",
						Usage:    "Client the workflow belongs to",
						Required: true,
						Sources:  cli.EnvVars("CLIENT_ID"),
					},
				},
				Action: submit,
			},
			{
				Name:      "status",
				Usage:     "Show how many tasks of a workflow have completed",
				ArgsUsage: "<workflow-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return query(ctx, command, func(ctx context.Context, service *services.Workflow, id string) (any, error) {
						return service.Status(ctx, id)
					})
				},
			},
			{
				Name:      "results",
				Usage:     "Show the final report of a completed workflow",
				ArgsUsage: "<workflow-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return query(ctx, command, func(ctx context.Context, service *services.Workflow, id string) (any, error) {
						return service.Results(ctx, id)
					})
				},
			},
		},
	}
}

var errMissingArgument = errors.New("missing argument")

func submit(ctx context.Context, command *cli.Command) error {
	path := command.Args().First()
	if path == "" {
		return fmt.Errorf("%w: definition file", errMissingArgument)
	}

	definition, err := config.LoadDefinition(path)
	if err != nil {
		return err
	}

	return withService(ctx, command, func(service *services.Workflow) error {
		created, err := service.Create(ctx, command.String("client-id"), definition)
		if err != nil {
			return err
		}

		return write(command, created)
	})
}

func query(
	ctx context.Context,
	command *cli.Command,
	run func(context.Context, *services.Workflow, string) (any, error),
) error {
	id := command.Args().First()
	if id == "" {
		return fmt.Errorf("%w: workflow id", errMissingArgument)
	}

	return withService(ctx, command, func(service *services.Workflow) error {
		result, err := run(ctx, service, id)
		if err != nil {
			return err
		}

		return write(command, result)
	})
}

func withService(ctx context.Context, command *cli.Command, run func(*services.Workflow) error) error {
	logger := log.WithModule("stepflow-cli")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer closeWithLog(ctx, logger, "persistence", func() error { return persistence.Close(ctx) })

	registry, err := cmd.NewRegistry(logger, persistence)
	if err != nil {
		return err
	}

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return err
	}

	defer closeWithLog(ctx, logger, "event bus", eventBus.Close)

	builder := workflow.NewBuilder(logger, registry, persistence.WorkflowRepository(), workflow.WithPublisher(eventBus))

	return run(services.NewWorkflow(logger, persistence, builder))
}

func write(command *cli.Command, value any) error {
	encoder := json.NewEncoder(command.Root().Writer)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}

func closeWithLog(ctx context.Context, logger *slog.Logger, name string, closeFn func() error) {
	err := closeFn()
	if err != nil {
		logger.ErrorContext(ctx, "Failed to close "+name, "error", err)
	}
}
