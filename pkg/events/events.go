// Package events defines event types and structures for workflow lifecycle notifications.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle event, keyed by workflow id.
const Topic = "stepflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	WorkflowCreatedEvent   EventType = "workflow.created"
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"

	TaskStartedEvent   EventType = "task.started"
	TaskCompletedEvent EventType = "task.completed"
	TaskFailedEvent    EventType = "task.failed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type WorkflowCreated struct {
	BaseEvent

	Name       string `json:"name"`
	ClientID   string `json:"client_id"`
	TotalTasks int    `json:"total_tasks"`
}

func (w WorkflowCreated) GetType() EventType {
	return WorkflowCreatedEvent
}

type WorkflowCompleted struct {
	BaseEvent

	FinalReport json.RawMessage `json:"final_report"`
}

func (w WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowFailed struct {
	BaseEvent

	FinalReport json.RawMessage `json:"final_report"`
}

func (w WorkflowFailed) GetType() EventType {
	return WorkflowFailedEvent
}

// TaskEvent identifies the task an event is about.
type TaskEvent struct {
	TaskID     string          `json:"task_id"`
	TaskType   models.TaskType `json:"task_type"`
	StepNumber int             `json:"step_number"`
}

type TaskStarted struct {
	BaseEvent
	TaskEvent
}

func (t TaskStarted) GetType() EventType {
	return TaskStartedEvent
}

type TaskCompleted struct {
	BaseEvent
	TaskEvent

	ResultID   string `json:"result_id"`
	DurationMs int64  `json:"duration_ms"`
}

func (t TaskCompleted) GetType() EventType {
	return TaskCompletedEvent
}

type TaskFailed struct {
	BaseEvent
	TaskEvent

	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (t TaskFailed) GetType() EventType {
	return TaskFailedEvent
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// NewTaskEvent describes task for embedding in a task event.
func NewTaskEvent(task *models.Task) TaskEvent {
	return TaskEvent{
		TaskID:     task.ID,
		TaskType:   task.Type,
		StepNumber: task.StepNumber,
	}
}

// Decode unmarshals payload into the event struct registered for eventType.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case WorkflowCreatedEvent:
		event = &WorkflowCreated{}
	case WorkflowCompletedEvent:
		event = &WorkflowCompleted{}
	case WorkflowFailedEvent:
		event = &WorkflowFailed{}
	case TaskStartedEvent:
		event = &TaskStarted{}
	case TaskCompletedEvent:
		event = &TaskCompleted{}
	case TaskFailedEvent:
		event = &TaskFailed{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	err := json.Unmarshal(payload, event)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
