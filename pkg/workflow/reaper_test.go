package workflow_test

import (
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_FailsAbandonedTasks(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	publisher := &recordingPublisher{}
	later := func() time.Time { return time.Now().UTC().Add(time.Hour) }
	reaper := workflow.NewReaper(testLogger(), p, 15*time.Minute, "",
		workflow.WithClock(later), workflow.WithPublisher(publisher))

	wf, tasks := storeChain(t, p, 2)

	won, err := p.TaskRepository().Claim(t.Context(), tasks[0].ID, models.ProgressStarting)
	require.NoError(t, err)
	require.True(t, won)

	reaped, err := reaper.Reap(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	task := reload(t, p, tasks[0].ID)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, workflow.ReasonAbandoned, task.Error)
	assert.Nil(t, task.Progress)

	assert.Equal(t, models.TaskStatusQueued, reload(t, p, tasks[1].ID).Status)
	assert.Equal(t, models.WorkflowStatusFailed, reloadWorkflow(t, p, wf.ID).Status)
	assert.Equal(t, []events.EventType{events.TaskFailedEvent, events.WorkflowFailedEvent}, publisher.types())

	reaped, err = reaper.Reap(t.Context())
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestReaper_LeavesRecentTasks(t *testing.T) {
	t.Parallel()

	p := newStore(t)
	reaper := workflow.NewReaper(testLogger(), p, 15*time.Minute, "")

	_, tasks := storeChain(t, p, 1)

	_, err := p.TaskRepository().Claim(t.Context(), tasks[0].ID, models.ProgressStarting)
	require.NoError(t, err)

	reaped, err := reaper.Reap(t.Context())
	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.Equal(t, models.TaskStatusInProgress, reload(t, p, tasks[0].ID).Status)
}

func TestReaper_StartStop(t *testing.T) {
	t.Parallel()

	p := newStore(t)

	invalid := workflow.NewReaper(testLogger(), p, time.Minute, "every now and then", workflow.WithJobTimeout(time.Second))
	err := invalid.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid reaper schedule")

	reaper := workflow.NewReaper(testLogger(), p, time.Minute, "@every 1h", workflow.WithJobTimeout(time.Second))
	require.NoError(t, reaper.Start(t.Context()))
	require.Error(t, reaper.Start(t.Context()))

	reaper.Stop()
	reaper.Stop()
}

func TestReaper_StartRejectsUnsafeStaleWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		staleAfter time.Duration
		jobTimeout time.Duration
	}{
		{name: "no job timeout", staleAfter: 15 * time.Minute, jobTimeout: 0},
		{name: "equal to job timeout", staleAfter: time.Minute, jobTimeout: time.Minute},
		{name: "shorter than job timeout", staleAfter: time.Minute, jobTimeout: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reaper := workflow.NewReaper(testLogger(), newStore(t), tt.staleAfter, "@every 1h",
				workflow.WithJobTimeout(tt.jobTimeout))

			err := reaper.Start(t.Context())
			require.ErrorIs(t, err, workflow.ErrUnsafeStaleWindow)

			reaper.Stop()
		})
	}
}
