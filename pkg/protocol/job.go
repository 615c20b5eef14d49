// Package protocol defines the contract between the executor and pluggable jobs.
package protocol

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
)

// ErrInvalidInput is returned (wrapped) by jobs whose input is semantically invalid.
var ErrInvalidInput = errors.New("invalid job input")

// JobRequest is what a job receives for one task execution.
type JobRequest struct {
	Task *models.Task

	// Dependency is the deserialized result payload of the task this one
	// depends on, or nil when there is none.
	Dependency any
}

// Job is the unit of work bound to a task type. It returns a structured output
// or an error; it never returns a malformed success.
type Job interface {
	Execute(ctx context.Context, request JobRequest, logger *slog.Logger) (any, error)
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc func(ctx context.Context, request JobRequest, logger *slog.Logger) (any, error)

func (f JobFunc) Execute(ctx context.Context, request JobRequest, logger *slog.Logger) (any, error) {
	return f(ctx, request, logger)
}
