package api

import (
	"fmt"

	"kanban-api/domain"
)

// relayBody is the union of the client relay shapes:
// {boardId, task}, {boardId, taskId}, {boardId, column} and {boardId, columnId}.
type relayBody struct {
	BoardID  string         `json:"boardId"`
	Task     *domain.Task   `json:"task,omitempty"`
	TaskID   string         `json:"taskId,omitempty"`
	Column   *domain.Column `json:"column,omitempty"`
	ColumnID string         `json:"columnId,omitempty"`
}

func invalidRelay(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrValidation}, args...)...)
}

// event checks the body against the event type. Relayed tasks must be complete
// records belonging to the room they are sent to.
func (b relayBody) event(name string) (domain.Event, error) {
	typ := domain.EventType(name)
	if !typ.Valid() {
		return domain.Event{}, invalidRelay("unknown event %q", name)
	}
	if b.BoardID == "" {
		return domain.Event{}, invalidRelay("boardId is required")
	}
	switch typ {
	case domain.EventNewTask, domain.EventTaskUpdated:
		t := b.Task
		if t == nil || t.ID == "" || t.ColumnID == "" || t.Title == "" {
			return domain.Event{}, invalidRelay("%s needs a complete task", typ)
		}
		if t.BoardID != b.BoardID {
			return domain.Event{}, invalidRelay("task belongs to another board")
		}
		if typ == domain.EventNewTask {
			return domain.NewTaskEvent(*t), nil
		}
		return domain.TaskUpdatedEvent(*t), nil
	case domain.EventTaskDeleted:
		if b.TaskID == "" {
			return domain.Event{}, invalidRelay("taskId is required")
		}
		return domain.TaskDeletedEvent(b.BoardID, b.TaskID), nil
	case domain.EventColumnUpdated:
		if b.Column == nil || b.Column.ID == "" {
			return domain.Event{}, invalidRelay("column-updated needs a column with an id")
		}
		return domain.ColumnUpdatedEvent(b.BoardID, *b.Column), nil
	default:
		if b.ColumnID == "" {
			return domain.Event{}, invalidRelay("columnId is required")
		}
		return domain.ColumnDeletedEvent(b.BoardID, b.ColumnID), nil
	}
}
