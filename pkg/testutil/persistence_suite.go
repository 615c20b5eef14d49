package testutil

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceSuite exercises the storage contract every backend must honor.
// newPersistence must return an empty store.
func RunPersistenceSuite(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("create and load workflow", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()

		workflow, tasks := CreateTestChain(3)
		require.NoError(t, p.WorkflowRepository().Create(ctx, workflow, tasks))

		loaded, err := p.WorkflowRepository().GetByID(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.ID, loaded.ID)
		assert.Equal(t, models.WorkflowStatusInitial, loaded.Status)
		assert.Equal(t, "client-1", loaded.ClientID)
		require.Len(t, loaded.Tasks, 3)

		for i, task := range loaded.Tasks {
			assert.Equal(t, i+1, task.StepNumber)
			assert.Equal(t, models.TaskStatusQueued, task.Status)
		}

		assert.False(t, loaded.Tasks[0].HasDependency())
		require.True(t, loaded.Tasks[1].HasDependency())
		assert.Equal(t, loaded.Tasks[0].ID, *loaded.Tasks[1].DependsOn)

		err = p.WorkflowRepository().Create(ctx, workflow, tasks)
		require.Error(t, err)
		assert.ErrorIs(t, err, persistence.ErrWorkflowAlreadyExists)
	})

	t.Run("missing entities", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()

		_, err := p.WorkflowRepository().GetByID(ctx, NewID())
		assert.True(t, persistence.IsWorkflowNotFound(err))

		_, err = p.TaskRepository().GetByID(ctx, NewID())
		assert.True(t, persistence.IsTaskNotFound(err))

		_, err = p.ResultRepository().GetByID(ctx, NewID())
		assert.True(t, persistence.IsResultNotFound(err))

		_, err = p.WorkflowRepository().UpdateState(ctx, NewID(), models.WorkflowStatusInProgress, nil, 0)
		assert.True(t, persistence.IsWorkflowNotFound(err))
	})

	t.Run("get all newest first", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()

		base := time.Now().UTC().Truncate(time.Millisecond)
		older, olderTasks := CreateTestChain(1, WithCreatedAt(base.Add(-time.Hour)))
		newer, newerTasks := CreateTestChain(1, WithCreatedAt(base))

		require.NoError(t, p.WorkflowRepository().Create(ctx, older, olderTasks))
		require.NoError(t, p.WorkflowRepository().Create(ctx, newer, newerTasks))

		workflows, err := p.WorkflowRepository().GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, workflows, 2)
		assert.Equal(t, newer.ID, workflows[0].ID)
		assert.Equal(t, older.ID, workflows[1].ID)
	})

	t.Run("ready tasks follow dependencies", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()
		tasksRepo := p.TaskRepository()

		workflow, tasks := CreateTestChain(2)
		require.NoError(t, p.WorkflowRepository().Create(ctx, workflow, tasks))

		ready, err := tasksRepo.FindReady(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, tasks[0].ID, ready[0].ID)

		won, err := tasksRepo.Claim(ctx, tasks[0].ID, models.ProgressStarting)
		require.NoError(t, err)
		require.True(t, won)

		ready, err = tasksRepo.FindReady(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready)

		won, err = tasksRepo.Complete(ctx, tasks[0].ID, NewResult(`{"area": 12.5}`))
		require.NoError(t, err)
		require.True(t, won)

		ready, err = tasksRepo.FindReady(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, tasks[1].ID, ready[0].ID)
	})

	t.Run("failed dependency blocks dependent", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()

		workflow, tasks := CreateTestChain(2)
		require.NoError(t, p.WorkflowRepository().Create(ctx, workflow, tasks))

		won, err := p.TaskRepository().Fail(ctx, tasks[0].ID, models.TaskStatusQueued, "no job")
		require.NoError(t, err)
		require.True(t, won)

		ready, err := p.TaskRepository().FindReady(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready)
	})

	t.Run("ready ordering prefers independent tasks then step number", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()
		tasksRepo := p.TaskRepository()

		first, firstTasks := CreateTestChain(2)
		second, secondTasks := CreateTestChain(1)

		require.NoError(t, p.WorkflowRepository().Create(ctx, first, firstTasks))

		won, err := tasksRepo.Claim(ctx, firstTasks[0].ID, models.ProgressStarting)
		require.NoError(t, err)
		require.True(t, won)

		won, err = tasksRepo.Complete(ctx, firstTasks[0].ID, NewResult(`{}`))
		require.NoError(t, err)
		require.True(t, won)

		require.NoError(t, p.WorkflowRepository().Create(ctx, second, secondTasks))

		ready, err := tasksRepo.FindReady(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 2)
		assert.Equal(t, secondTasks[0].ID, ready[0].ID)
		assert.Equal(t, firstTasks[1].ID, ready[1].ID)

		limited, err := tasksRepo.FindReady(ctx, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, secondTasks[0].ID, limited[0].ID)
	})

	t.Run("claim is won once", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()

		workflow, tasks := CreateTestChain(1)
		require.NoError(t, p.WorkflowRepository().Create(ctx, workflow, tasks))

		var (
			wins atomic.Int32
			wg   sync.WaitGroup
		)

		for range 8 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				won, err := p.TaskRepository().Claim(ctx, tasks[0].ID, models.ProgressStarting)
				assert.NoError(t, err)

				if won {
					wins.Add(1)
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		task, err := p.TaskRepository().GetByID(ctx, tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusInProgress, task.Status)
		require.NotNil(t, task.Progress)
		assert.Equal(t, models.ProgressStarting, *task.Progress)
		assert.NotNil(t, task.StartedAt)
	})

	t.Run("complete stores a single result", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()
		tasksRepo := p.TaskRepository()

		workflow, tasks := CreateTestChain(1)
		require.NoError(t, p.WorkflowRepository().Create(ctx, workflow, tasks))

		won, err := tasksRepo.Complete(ctx, tasks[0].ID, NewResult(`{"x": 1}`))
		require.NoError(t, err)
		assert.False(t, won, "a queued task cannot complete")

		_, err = p.ResultRepository().GetByTask(ctx, tasks[0].ID)
		assert.True(t, persistence.IsResultNotFound(err))

		won, err = tasksRepo.Claim(ctx, tasks[0].ID, models.ProgressStarting)
		require.NoError(t, err)
		require.True(t, won)

		result := NewResult(`{"area": 42}`)
		won, err = tasksRepo.Complete(ctx, tasks[0].ID, result)
		require.NoError(t, err)
		require.True(t, won)

		won, err = tasksRepo.Complete(ctx, tasks[0].ID, NewResult(`{"area": 43}`))
		require.NoError(t, err)
		assert.False(t, won)

		task, err := tasksRepo.GetByID(ctx, tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		assert.Nil(t, task.Progress)
		require.NotNil(t, task.ResultID)
		assert.Equal(t, result.ID, *task.ResultID)
		assert.NotNil(t, task.FinishedAt)

		stored, err := p.ResultRepository().GetByTask(ctx, tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, result.ID, stored.ID)
		assert.Equal(t, tasks[0].ID, stored.TaskID)
		assert.JSONEq(t, `{"area": 42}`, string(stored.Data))

		byID, err := p.ResultRepository().GetByID(ctx, result.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"area": 42}`, string(byID.Data))
	})

	t.Run("fail respects the expected status", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()
		tasksRepo := p.TaskRepository()

		workflow, tasks := CreateTestChain(1)
		require.NoError(t, p.WorkflowRepository().Create(ctx, workflow, tasks))

		won, err := tasksRepo.Fail(ctx, tasks[0].ID, models.TaskStatusInProgress, "boom")
		require.NoError(t, err)
		assert.False(t, won)

		won, err = tasksRepo.Claim(ctx, tasks[0].ID, models.ProgressStarting)
		require.NoError(t, err)
		require.True(t, won)

		won, err = tasksRepo.Fail(ctx, tasks[0].ID, models.TaskStatusInProgress, "boom")
		require.NoError(t, err)
		require.True(t, won)

		won, err = tasksRepo.Fail(ctx, tasks[0].ID, models.TaskStatusInProgress, "again")
		require.NoError(t, err)
		assert.False(t, won)

		task, err := tasksRepo.GetByID(ctx, tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusFailed, task.Status)
		assert.Equal(t, "boom", task.Error)
		assert.Nil(t, task.Progress)
		assert.Nil(t, task.ResultID)
	})

	t.Run("stale in-progress tasks", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()

		workflow, tasks := CreateTestChain(2)
		require.NoError(t, p.WorkflowRepository().Create(ctx, workflow, tasks))

		won, err := p.TaskRepository().Claim(ctx, tasks[0].ID, models.ProgressStarting)
		require.NoError(t, err)
		require.True(t, won)

		stale, err := p.TaskRepository().FindStale(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, stale)

		stale, err = p.TaskRepository().FindStale(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, tasks[0].ID, stale[0].ID)
	})

	t.Run("update state never regresses", func(t *testing.T) {
		p := newPersistence(t)
		ctx := t.Context()
		workflows := p.WorkflowRepository()

		workflow, tasks := CreateTestChain(2)
		require.NoError(t, workflows.Create(ctx, workflow, tasks))

		report := json.RawMessage(`{"status":"completed","tasks":[]}`)

		applied, err := workflows.UpdateState(ctx, workflow.ID, models.WorkflowStatusCompleted, report, 2)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = workflows.UpdateState(ctx, workflow.ID, models.WorkflowStatusInProgress, nil, 1)
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = workflows.UpdateState(ctx, workflow.ID, models.WorkflowStatusCompleted, report, 2)
		require.NoError(t, err)
		assert.True(t, applied)

		loaded, err := workflows.GetByID(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusCompleted, loaded.Status)
		assert.Equal(t, 2, loaded.SettledTasks)
		assert.JSONEq(t, string(report), string(loaded.FinalReport))
	})
}
