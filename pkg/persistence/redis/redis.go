// Package redis provides Redis persistence for workflows, tasks and results.
// Status transitions run as Lua scripts so each one is atomic on the server.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "stepflow"

// Persistence implements the persistence layer for Redis.
type Persistence struct {
	client       redis.UniversalClient
	logger       *slog.Logger
	keys         keys
	workflowRepo *WorkflowRepository
	taskRepo     *TaskRepository
	resultRepo   *ResultRepository
}

// Option configures a Redis persistence.
type Option func(*Persistence)

// WithKeyPrefix namespaces every key written by the persistence.
func WithKeyPrefix(prefix string) Option {
	return func(p *Persistence) {
		p.keys = keys{prefix: prefix}
	}
}

// NewPersistence connects to the Redis server at redisURL (redis://host:port/db).
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string, opts ...Option) (*Persistence, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return NewPersistenceWithClient(ctx, logger, redis.NewClient(options), opts...)
}

// NewPersistenceWithClient builds the persistence on an existing client.
func NewPersistenceWithClient(ctx context.Context, logger *slog.Logger, client redis.UniversalClient, opts ...Option) (*Persistence, error) {
	p := &Persistence{
		client: client,
		logger: logger,
		keys:   keys{prefix: defaultKeyPrefix},
	}

	for _, opt := range opts {
		opt(p)
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	p.workflowRepo = &WorkflowRepository{client: client, logger: logger, keys: p.keys}
	p.taskRepo = &TaskRepository{client: client, logger: logger, keys: p.keys}
	p.resultRepo = &ResultRepository{client: client, keys: p.keys, tasks: p.taskRepo}

	return p, nil
}

func (p *Persistence) Close(_ context.Context) error {
	err := p.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

func (p *Persistence) ResultRepository() persistence.ResultRepository {
	return p.resultRepo
}

type keys struct {
	prefix string
}

// workflows is a sorted set of workflow ids scored by creation time.
func (k keys) workflows() string {
	return k.prefix + ":workflows"
}

func (k keys) workflow(id string) string {
	return k.prefix + ":workflow:" + id
}

// workflowTasks is a sorted set of task ids scored by step number.
func (k keys) workflowTasks(id string) string {
	return k.prefix + ":workflow:" + id + ":tasks"
}

func (k keys) task(id string) string {
	return k.prefix + ":task:" + id
}

// tasksByStatus is the set of task ids currently in status.
func (k keys) tasksByStatus(status string) string {
	return k.prefix + ":tasks:" + status
}

func (k keys) result(id string) string {
	return k.prefix + ":result:" + id
}
