package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType names a realtime change event. The names are part of the wire protocol.
type EventType string

const (
	EventNewTask       EventType = "new-task"
	EventTaskUpdated   EventType = "task-updated"
	EventTaskDeleted   EventType = "task-deleted"
	EventColumnUpdated EventType = "column-updated"
	EventColumnDeleted EventType = "column-deleted"
)

// EventTypes lists every realtime event in protocol order.
var EventTypes = []EventType{EventNewTask, EventTaskUpdated, EventTaskDeleted, EventColumnUpdated, EventColumnDeleted}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a change to one board. Exactly one payload field is set, matching Type.
type Event struct {
	BoardID  string
	Type     EventType
	Task     *Task
	TaskID   string
	Column   *Column
	ColumnID string
}

func NewTaskEvent(t Task) Event {
	return Event{BoardID: t.BoardID, Type: EventNewTask, Task: &t}
}

func TaskUpdatedEvent(t Task) Event {
	return Event{BoardID: t.BoardID, Type: EventTaskUpdated, Task: &t}
}

func TaskDeletedEvent(boardID, taskID string) Event {
	return Event{BoardID: boardID, Type: EventTaskDeleted, TaskID: taskID}
}

func ColumnUpdatedEvent(boardID string, c Column) Event {
	return Event{BoardID: boardID, Type: EventColumnUpdated, Column: &c}
}

func ColumnDeletedEvent(boardID, columnID string) Event {
	return Event{BoardID: boardID, Type: EventColumnDeleted, ColumnID: columnID}
}

var errEmptyPayload = errors.New("event payload is empty")

// Payload is the value carried on the wire for this event: the full task, the
// single column, or a bare id.
func (e Event) Payload() (any, error) {
	switch e.Type {
	case EventNewTask, EventTaskUpdated:
		if e.Task == nil {
			return nil, errEmptyPayload
		}
		return e.Task, nil
	case EventTaskDeleted:
		if e.TaskID == "" {
			return nil, errEmptyPayload
		}
		return e.TaskID, nil
	case EventColumnUpdated:
		if e.Column == nil {
			return nil, errEmptyPayload
		}
		return e.Column, nil
	case EventColumnDeleted:
		if e.ColumnID == "" {
			return nil, errEmptyPayload
		}
		return e.ColumnID, nil
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

// DecodeEvent rebuilds an event from its wire payload.
func DecodeEvent(boardID string, typ EventType, data []byte) (Event, error) {
	ev := Event{BoardID: boardID, Type: typ}
	switch typ {
	case EventNewTask, EventTaskUpdated:
		var t Task
		if err := sonic.Unmarshal(data, &t); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		if t.ID == "" {
			return Event{}, fmt.Errorf("decode %s: task without id", typ)
		}
		ev.Task = &t
	case EventTaskDeleted, EventColumnDeleted:
		var id string
		if err := sonic.Unmarshal(data, &id); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		if id == "" {
			return Event{}, fmt.Errorf("decode %s: empty id", typ)
		}
		if typ == EventTaskDeleted {
			ev.TaskID = id
		} else {
			ev.ColumnID = id
		}
	case EventColumnUpdated:
		var c Column
		if err := sonic.Unmarshal(data, &c); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		if c.ID == "" {
			return Event{}, fmt.Errorf("decode %s: column without id", typ)
		}
		ev.Column = &c
	default:
		return Event{}, fmt.Errorf("unknown event type %q", typ)
	}
	return ev, nil
}
