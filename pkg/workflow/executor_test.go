package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/mocks"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestExecutor_ThreeStepChainWithFailingLastStep(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	area := &recordingJob{output: map[string]any{"area": 12.5}}
	report := &recordingJob{output: map[string]any{"final_report": "Aggregated data & results"}}
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea:   area,
		models.TaskTypeReport: report,
	}))

	wf, tasks := storeChain(t, p, 3)
	ctx := t.Context()

	require.NoError(t, executor.Execute(ctx, tasks[0]))
	assert.Equal(t, models.TaskStatusCompleted, reload(t, p, tasks[0].ID).Status)
	assert.Equal(t, models.WorkflowStatusInProgress, reloadWorkflow(t, p, wf.ID).Status)

	require.NoError(t, executor.Execute(ctx, tasks[1]))
	assert.Equal(t, models.TaskStatusCompleted, reload(t, p, tasks[1].ID).Status)
	assert.Equal(t, models.WorkflowStatusInProgress, reloadWorkflow(t, p, wf.ID).Status)
	require.Equal(t, 1, report.calls())
	assert.Equal(t, map[string]any{"area": 12.5}, report.request(0).Dependency)

	area.err = errors.New("forced failure")

	err := executor.Execute(ctx, tasks[2])
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecution)

	failed := reload(t, p, tasks[2].ID)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Nil(t, failed.Progress)
	assert.Nil(t, failed.ResultID)
	assert.Contains(t, failed.Error, "forced failure")

	loaded := reloadWorkflow(t, p, wf.ID)
	assert.Equal(t, models.WorkflowStatusFailed, loaded.Status)

	var summary models.FailureReport
	require.NoError(t, json.Unmarshal(loaded.FinalReport, &summary))
	require.Len(t, summary.FailedTasks, 1)
	assert.Equal(t, tasks[2].ID, summary.FailedTasks[0].TaskID)
	assert.Equal(t, 3, summary.FailedTasks[0].StepNumber)
}

func TestExecutor_SuccessStoresResultAndCompletesWorkflow(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	publisher := &recordingPublisher{}
	job := &recordingJob{output: map[string]any{"area": 4.0}}
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: job,
	}), workflow.WithPublisher(publisher), workflow.WithWorkerID("worker-1"))

	wf, tasks := storeChain(t, p, 1, func(_ *models.Workflow, tasks []*models.Task) {
		tasks[0].Input = json.RawMessage(`{"type":"Point","coordinates":[1,2]}`)
	})

	require.NoError(t, executor.Execute(t.Context(), tasks[0]))

	require.Equal(t, 1, job.calls())
	assert.Nil(t, job.request(0).Dependency)
	assert.JSONEq(t, `{"type":"Point","coordinates":[1,2]}`, string(job.request(0).Task.Input))

	task := reload(t, p, tasks[0].ID)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Nil(t, task.Progress)
	require.NotNil(t, task.ResultID)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)

	result, err := p.ResultRepository().GetByTask(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, *task.ResultID, result.ID)
	assert.JSONEq(t, `{"area":4}`, string(result.Data))

	loaded := reloadWorkflow(t, p, wf.ID)
	assert.Equal(t, models.WorkflowStatusCompleted, loaded.Status)

	assert.Equal(t, []events.EventType{
		events.TaskStartedEvent,
		events.TaskCompletedEvent,
		events.WorkflowCompletedEvent,
	}, publisher.types())

	started, ok := publisher.events[0].(events.TaskStarted)
	require.True(t, ok)
	assert.Equal(t, "worker-1", started.WorkerID)
}

func TestExecutor_UnregisteredTypeFailsWithoutRunningJob(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	report := &recordingJob{}
	publisher := &recordingPublisher{}
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeReport: report,
	}), workflow.WithPublisher(publisher))

	wf, tasks := storeChain(t, p, 1)

	err := executor.Execute(t.Context(), tasks[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrDispatch)

	var dispatchErr *workflow.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, models.TaskTypeArea, dispatchErr.TaskType)

	task := reload(t, p, tasks[0].ID)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.ResultID)
	assert.Zero(t, report.calls())

	assert.Equal(t, models.WorkflowStatusFailed, reloadWorkflow(t, p, wf.ID).Status)
	assert.Equal(t, []events.EventType{events.TaskFailedEvent, events.WorkflowFailedEvent}, publisher.types())
}

func TestExecutor_RejectsTaskThatIsNotQueued(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := file.NewPersistence(root)
	job := &recordingJob{output: map[string]any{"area": 1.0}}
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: job,
	}))

	_, tasks := storeChain(t, p, 1)
	require.NoError(t, executor.Execute(t.Context(), tasks[0]))

	completed := reload(t, p, tasks[0].ID)

	err := executor.Execute(t.Context(), completed)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrIllegalState)

	var illegal *workflow.IllegalStateError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, models.TaskStatusCompleted, illegal.Status)

	// A stale snapshot still saying Queued loses the claim.
	err = executor.Execute(t.Context(), tasks[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrIllegalState)

	assert.Equal(t, 1, job.calls())

	entries, err := os.ReadDir(filepath.Join(root, "results"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	after := reload(t, p, tasks[0].ID)
	assert.Equal(t, *completed.ResultID, *after.ResultID)
}

func TestExecutor_EmptyOutputIsStoredAsObject(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	report := &recordingJob{}
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea:   &recordingJob{},
		models.TaskTypeReport: report,
	}))

	_, tasks := storeChain(t, p, 2)

	require.NoError(t, executor.Execute(t.Context(), tasks[0]))
	require.NoError(t, executor.Execute(t.Context(), tasks[1]))

	require.Equal(t, 1, report.calls())
	assert.Equal(t, map[string]any{}, report.request(0).Dependency)

	first, err := p.ResultRepository().GetByTask(t.Context(), tasks[0].ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(first.Data))
}

func TestExecutor_JobTimeout(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	blocking := protocol.JobFunc(func(ctx context.Context, _ protocol.JobRequest, _ *slog.Logger) (any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: blocking,
	}), workflow.WithJobTimeout(20*time.Millisecond))

	wf, tasks := storeChain(t, p, 1)

	err := executor.Execute(t.Context(), tasks[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, models.TaskStatusFailed, reload(t, p, tasks[0].ID).Status)
	assert.Equal(t, models.WorkflowStatusFailed, reloadWorkflow(t, p, wf.ID).Status)
}

func TestExecutor_JobPanic(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	panicking := protocol.JobFunc(func(context.Context, protocol.JobRequest, *slog.Logger) (any, error) {
		panic("nil geometry")
	})
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: panicking,
	}))

	_, tasks := storeChain(t, p, 1)

	err := executor.Execute(t.Context(), tasks[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecution)
	assert.Contains(t, err.Error(), "nil geometry")

	assert.Equal(t, models.TaskStatusFailed, reload(t, p, tasks[0].ID).Status)
}

func TestExecutor_InvalidInputFromJob(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: &recordingJob{err: protocol.ErrInvalidInput},
	}))

	_, tasks := storeChain(t, p, 1)

	err := executor.Execute(t.Context(), tasks[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecution)
	assert.ErrorIs(t, err, protocol.ErrInvalidInput)
}

func TestExecutor_UnencodableOutputFails(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: &recordingJob{output: map[string]any{"bad": make(chan int)}},
	}))

	_, tasks := storeChain(t, p, 1)

	err := executor.Execute(t.Context(), tasks[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecution)
	assert.Equal(t, models.TaskStatusFailed, reload(t, p, tasks[0].ID).Status)
}

func TestExecutor_CancelledContextLetsJobFinish(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	ctx, cancel := context.WithCancel(t.Context())

	job := protocol.JobFunc(func(ctx context.Context, _ protocol.JobRequest, _ *slog.Logger) (any, error) {
		cancel()

		return map[string]any{"cancelled": ctx.Err() != nil}, nil
	})
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: job,
	}))

	_, tasks := storeChain(t, p, 1)

	require.NoError(t, executor.Execute(ctx, tasks[0]))

	result, err := p.ResultRepository().GetByTask(t.Context(), tasks[0].ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cancelled":false}`, string(result.Data))
}

func TestExecutor_RecordsSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	p := newStore(t)
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: &recordingJob{err: errors.New("boom")},
	}), workflow.WithTracer(provider.Tracer("test")))

	_, tasks := storeChain(t, p, 1)

	require.Error(t, executor.Execute(t.Context(), tasks[0]))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "stepflow.task.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestExecutor_PublishFailureDoesNotFailTask(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))

	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: &recordingJob{output: map[string]any{"area": 1.0}},
	}), workflow.WithPublisher(bus))

	wf, tasks := storeChain(t, p, 1)

	require.NoError(t, executor.Execute(t.Context(), tasks[0]))

	assert.Equal(t, models.TaskStatusCompleted, reload(t, p, tasks[0].ID).Status)
	assert.Equal(t, models.WorkflowStatusCompleted, reloadWorkflow(t, p, wf.ID).Status)
	bus.AssertNumberOfCalls(t, "Publish", 3)
	bus.AssertCalled(t, "Publish", mock.Anything, wf.ID, mock.Anything)
}

func TestExecutor_ClaimStoreFailure(t *testing.T) {
	t.Parallel()

	p := mocks.NewMockPersistence()
	p.Tasks.On("Claim", mock.Anything, "task-1", models.ProgressStarting).Return(false, errors.New("connection reset"))

	job := &recordingJob{}
	executor := workflow.NewExecutor(testLogger(), p, newRegistry(t, map[models.TaskType]protocol.Job{
		models.TaskTypeArea: job,
	}))

	err := executor.Execute(t.Context(), &models.Task{
		ID:         "task-1",
		WorkflowID: "workflow-1",
		Type:       models.TaskTypeArea,
		StepNumber: 1,
		Status:     models.TaskStatusQueued,
	})
	require.ErrorIs(t, err, workflow.ErrPersistence)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, job.calls())
	p.Tasks.AssertExpectations(t)
}
