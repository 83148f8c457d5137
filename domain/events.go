package domain

import (
	"errors"
	"time"

	"github.com/bytedance/sonic"
)

// Channel event names.
const (
	EventAuth = "auth"

	EventTaskCreate = "task:create"
	EventTaskUpdate = "task:update"
	EventTaskMove   = "task:move"
	EventTaskDelete = "task:delete"

	EventSyncTasks   = "sync:tasks"
	EventTaskCreated = "task:created"
	EventTaskUpdated = "task:updated"
	EventTaskMoved   = "task:moved"
	EventTaskDeleted = "task:deleted"
	EventError       = "error"
)

// Frame is a single message on the sync channel.
type Frame struct {
	Event     string                 `json:"event"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
}

// NewFrame encodes data into a frame.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// AuthPayload is the handshake body carrying the bearer token.
type AuthPayload struct {
	Token string `json:"token"`
}

// UpdateIntent is the body of task:update.
type UpdateIntent struct {
	ID string `json:"id"`
	TaskPatch
}

// MoveIntent is the body of task:move.
type MoveIntent struct {
	TaskID            string `json:"taskId"`
	SourceColumn      Column `json:"sourceColumn,omitempty"`
	DestinationColumn Column `json:"destinationColumn"`
	SourceIndex       *int   `json:"sourceIndex,omitempty"`
	DestinationIndex  int    `json:"destinationIndex"`
}

// DeleteIntent is the body of task:delete. Both {"taskId": "..."} and a bare
// JSON string are accepted.
type DeleteIntent struct {
	TaskID string `json:"taskId"`
}

func (d *DeleteIntent) UnmarshalJSON(b []byte) error {
	var id string
	if err := sonic.Unmarshal(b, &id); err == nil {
		d.TaskID = id
		return nil
	}
	var body struct {
		TaskID string `json:"taskId"`
		ID     string `json:"id"`
	}
	if err := sonic.Unmarshal(b, &body); err != nil {
		return errors.New("invalid delete payload")
	}
	d.TaskID = body.TaskID
	if d.TaskID == "" {
		d.TaskID = body.ID
	}
	return nil
}

// MovedPayload is the body of task:moved.
type MovedPayload struct {
	Task              Task   `json:"task"`
	SourceColumn      Column `json:"sourceColumn"`
	DestinationColumn Column `json:"destinationColumn"`
	SourceIndex       *int   `json:"sourceIndex,omitempty"`
	DestinationIndex  int    `json:"destinationIndex"`
}

// DeletedPayload is the body of task:deleted.
type DeletedPayload struct {
	ID string `json:"id"`
}

// ErrorPayload is the body of error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Change is a committed task mutation, fanned out to the owning account's
// connections and handed to the event journal.
type Change struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Event     string          `json:"event"`
	Task      *Task           `json:"task,omitempty"`
	Moved     *MovedPayload   `json:"moved,omitempty"`
	Deleted   *DeletedPayload `json:"deleted,omitempty"`
	Time      time.Time       `json:"time"`
}

// Frame builds the server event frame announcing the change.
func (c Change) Frame() (Frame, error) {
	switch c.Event {
	case EventTaskCreated, EventTaskUpdated:
		if c.Task == nil {
			return Frame{}, errors.New("change without task")
		}
		return NewFrame(c.Event, c.Task)
	case EventTaskMoved:
		if c.Moved == nil {
			return Frame{}, errors.New("move change without payload")
		}
		return NewFrame(c.Event, c.Moved)
	case EventTaskDeleted:
		if c.Deleted == nil {
			return Frame{}, errors.New("delete change without payload")
		}
		return NewFrame(c.Event, c.Deleted)
	}
	return Frame{}, errors.New("unknown change event " + c.Event)
}
