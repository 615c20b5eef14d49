package events

import (
	"encoding/json"
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBaseEvent(t *testing.T) {
	t.Parallel()

	event := NewBaseEvent(TaskStartedEvent, "wf-1")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, TaskStartedEvent, event.Type)
	assert.Equal(t, "wf-1", event.WorkflowID)
	assert.False(t, event.Timestamp.IsZero())
	assert.NotNil(t, event.Metadata)
}

func TestTaskEventFlattensIntoPayload(t *testing.T) {
	t.Parallel()

	task := &models.Task{ID: "t1", WorkflowID: "wf-1", Type: models.TaskTypeArea, StepNumber: 2}

	event := TaskFailed{
		BaseEvent:  NewBaseEvent(TaskFailedEvent, task.WorkflowID),
		TaskEvent:  NewTaskEvent(task),
		Error:      "invalid GeoJSON",
		DurationMs: 12,
	}

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(payload, &fields))

	assert.Equal(t, "t1", fields["task_id"])
	assert.Equal(t, "area", fields["task_type"])
	assert.InDelta(t, 2, fields["step_number"], 0)
	assert.Equal(t, "task.failed", fields["type"])
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		eventType EventType
		event     interface{ GetType() EventType }
	}{
		{WorkflowCreatedEvent, WorkflowCreated{BaseEvent: NewBaseEvent(WorkflowCreatedEvent, "wf"), Name: "survey", TotalTasks: 3}},
		{WorkflowCompletedEvent, WorkflowCompleted{BaseEvent: NewBaseEvent(WorkflowCompletedEvent, "wf"), FinalReport: json.RawMessage(`{"tasks":[]}`)}},
		{WorkflowFailedEvent, WorkflowFailed{BaseEvent: NewBaseEvent(WorkflowFailedEvent, "wf")}},
		{TaskStartedEvent, TaskStarted{BaseEvent: NewBaseEvent(TaskStartedEvent, "wf")}},
		{TaskCompletedEvent, TaskCompleted{BaseEvent: NewBaseEvent(TaskCompletedEvent, "wf"), ResultID: "r1"}},
		{TaskFailedEvent, TaskFailed{BaseEvent: NewBaseEvent(TaskFailedEvent, "wf"), Error: "boom"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.eventType, tt.event.GetType())

			payload, err := json.Marshal(tt.event)
			require.NoError(t, err)

			decoded, err := Decode(tt.eventType, payload)
			require.NoError(t, err)

			typed, ok := decoded.(interface{ GetType() EventType })
			require.True(t, ok)
			assert.Equal(t, tt.eventType, typed.GetType())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	_, err := Decode("workflow.triggered", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")

	_, err = Decode(TaskStartedEvent, []byte(`{`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode")
}
