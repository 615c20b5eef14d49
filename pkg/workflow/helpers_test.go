package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/testutil"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) persistence.Persistence {
	t.Helper()

	return file.NewPersistence(t.TempDir())
}

func newRegistry(t *testing.T, jobs map[models.TaskType]protocol.Job) *registry.Registry {
	t.Helper()

	r, err := registry.NewRegistry(testLogger(), jobs)
	require.NoError(t, err)

	return r
}

// storeChain persists a linear chain of n tasks.
func storeChain(
	t *testing.T,
	p persistence.Persistence,
	n int,
	overrides ...func(*models.Workflow, []*models.Task),
) (*models.Workflow, []*models.Task) {
	t.Helper()

	workflow, tasks := testutil.CreateTestChain(n, overrides...)
	require.NoError(t, p.WorkflowRepository().Create(t.Context(), workflow, tasks))

	return workflow, tasks
}

func reload(t *testing.T, p persistence.Persistence, taskID string) *models.Task {
	t.Helper()

	task, err := p.TaskRepository().GetByID(t.Context(), taskID)
	require.NoError(t, err)

	return task
}

func reloadWorkflow(t *testing.T, p persistence.Persistence, workflowID string) *models.Workflow {
	t.Helper()

	workflow, err := p.WorkflowRepository().GetByID(t.Context(), workflowID)
	require.NoError(t, err)

	return workflow
}

// recordingJob returns output and records every request it receives.
type recordingJob struct {
	mu       sync.Mutex
	output   any
	err      error
	requests []protocol.JobRequest
}

func (j *recordingJob) Execute(_ context.Context, request protocol.JobRequest, _ *slog.Logger) (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.requests = append(j.requests, request)

	return j.output, j.err
}

func (j *recordingJob) calls() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.requests)
}

func (j *recordingJob) request(i int) protocol.JobRequest {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.requests[i]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]events.EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.GetType())
	}

	return types
}
