package models

import (
	"encoding/json"
	"time"
)

// Result is the immutable stored output of a completed task.
type Result struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}
