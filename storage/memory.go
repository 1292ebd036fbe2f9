package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"kanban-api/domain"
)

func newID() string { return uuid.NewString() }

// Memory keeps boards and tasks in process memory. It is used for local
// development and tests; contents are lost on restart.
type Memory struct {
	mu         sync.RWMutex
	boards     map[string]domain.Board
	boardOrder []string
	tasks      map[string]domain.Task
	taskOrder  []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]domain.Board),
		tasks:  make(map[string]domain.Task),
	}
}

func (m *Memory) ListBoards(ctx context.Context) ([]domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Board, 0, len(m.boardOrder))
	for _, id := range m.boardOrder {
		out = append(out, m.boards[id].Clone())
	}
	return out, nil
}

func (m *Memory) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[id]
	if !ok {
		return domain.Board{}, domain.BoardNotFound(id)
	}
	return b.Clone(), nil
}

func (m *Memory) InsertBoard(ctx context.Context, b domain.Board) (domain.Board, error) {
	b = b.Clone()
	b.ID = newID()
	for i := range b.Columns {
		if b.Columns[i].ID == "" {
			b.Columns[i].ID = newID()
		}
	}
	if b.Columns == nil {
		b.Columns = []domain.Column{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[b.ID] = b
	m.boardOrder = append(m.boardOrder, b.ID)
	return b.Clone(), nil
}

func (m *Memory) RenameBoard(ctx context.Context, id, title string) (domain.Board, error) {
	return m.updateBoard(id, func(b *domain.Board) error {
		b.Title = title
		return nil
	})
}

func (m *Memory) DeleteBoard(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[id]; !ok {
		return domain.BoardNotFound(id)
	}
	delete(m.boards, id)
	m.boardOrder = removeID(m.boardOrder, id)
	return nil
}

func (m *Memory) AddColumn(ctx context.Context, boardID, name string) (domain.Board, domain.Column, error) {
	col := domain.Column{ID: newID(), Name: name}
	b, err := m.updateBoard(boardID, func(b *domain.Board) error {
		b.Columns = append(b.Columns, col)
		return nil
	})
	if err != nil {
		return domain.Board{}, domain.Column{}, err
	}
	return b, col, nil
}

func (m *Memory) RenameColumn(ctx context.Context, boardID, columnID, name string) (domain.Board, error) {
	return m.updateBoard(boardID, func(b *domain.Board) error {
		return renameColumn(b, columnID, name)
	})
}

func (m *Memory) RemoveColumn(ctx context.Context, boardID, columnID string) (domain.Board, error) {
	return m.updateBoard(boardID, func(b *domain.Board) error {
		return removeColumn(b, columnID)
	})
}

func (m *Memory) updateBoard(id string, fn func(*domain.Board) error) (domain.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	if !ok {
		return domain.Board{}, domain.BoardNotFound(id)
	}
	b = b.Clone()
	if err := fn(&b); err != nil {
		return domain.Board{}, err
	}
	m.boards[id] = b
	return b.Clone(), nil
}

func (m *Memory) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, id := range m.taskOrder {
		if t := m.tasks[id]; t.BoardID == boardID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.TaskNotFound(id)
	}
	return t.Clone(), nil
}

func (m *Memory) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t = t.Clone()
	t.ID = newID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	m.taskOrder = append(m.taskOrder, t.ID)
	return t.Clone(), nil
}

func (m *Memory) ReplaceTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return domain.Task{}, domain.TaskNotFound(t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.TaskNotFound(id)
	}
	delete(m.tasks, id)
	m.taskOrder = removeID(m.taskOrder, id)
	return t, nil
}

func (m *Memory) DeleteTasksByColumn(ctx context.Context, boardID, columnID string) ([]domain.Task, error) {
	return m.deleteTasksWhere(func(t domain.Task) bool {
		return t.BoardID == boardID && t.ColumnID == columnID
	}), nil
}

func (m *Memory) DeleteTasksByBoard(ctx context.Context, boardID string) ([]domain.Task, error) {
	return m.deleteTasksWhere(func(t domain.Task) bool { return t.BoardID == boardID }), nil
}

func (m *Memory) deleteTasksWhere(match func(domain.Task) bool) []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := []domain.Task{}
	kept := m.taskOrder[:0]
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if match(t) {
			deleted = append(deleted, t)
			delete(m.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	m.taskOrder = kept
	return deleted
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func renameColumn(b *domain.Board, columnID, name string) error {
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			b.Columns[i].Name = name
			return nil
		}
	}
	return domain.ColumnNotFound(columnID)
}

func removeColumn(b *domain.Board, columnID string) error {
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			b.Columns = append(b.Columns[:i], b.Columns[i+1:]...)
			return nil
		}
	}
	return domain.ColumnNotFound(columnID)
}
