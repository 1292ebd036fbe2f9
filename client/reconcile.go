// Package client keeps a local copy of one board in sync with the server: an
// HTTP client for the mutation API, an SSE stream for change events and a
// session that merges both.
package client

import "kanban-api/domain"

// State is the local view of a board.
type State struct {
	Board domain.Board
	Tasks []domain.Task
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{Board: s.Board.Clone()}
	if s.Tasks != nil {
		out.Tasks = make([]domain.Task, len(s.Tasks))
		for i, t := range s.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	return out
}

// Task looks a task up by id.
func (s State) Task(id string) (domain.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

// Progress is the board's progress over the local tasks.
func (s State) Progress() int { return domain.Progress(s.Board, s.Tasks) }

// Reconcile applies ev to state and returns the new state; state is not modified.
// Every event is idempotent: applying it twice equals applying it once.
func Reconcile(state State, ev domain.Event) State {
	if ev.BoardID != state.Board.ID {
		return state
	}
	next := state.Clone()
	switch ev.Type {
	case domain.EventNewTask:
		if ev.Task == nil {
			return state
		}
		if _, ok := next.Task(ev.Task.ID); !ok {
			next.Tasks = append(next.Tasks, ev.Task.Clone())
		}
	case domain.EventTaskUpdated:
		if ev.Task == nil {
			return state
		}
		for i := range next.Tasks {
			if next.Tasks[i].ID == ev.Task.ID {
				next.Tasks[i] = ev.Task.Clone()
				break
			}
		}
	case domain.EventTaskDeleted:
		next.Tasks = filterTasks(next.Tasks, func(t domain.Task) bool { return t.ID != ev.TaskID })
	case domain.EventColumnUpdated:
		if ev.Column == nil {
			return state
		}
		replaced := false
		for i := range next.Board.Columns {
			if next.Board.Columns[i].ID == ev.Column.ID {
				next.Board.Columns[i] = *ev.Column
				replaced = true
				break
			}
		}
		if !replaced {
			next.Board.Columns = append(next.Board.Columns, *ev.Column)
		}
	case domain.EventColumnDeleted:
		cols := next.Board.Columns[:0]
		for _, c := range next.Board.Columns {
			if c.ID != ev.ColumnID {
				cols = append(cols, c)
			}
		}
		next.Board.Columns = cols
		next.Tasks = filterTasks(next.Tasks, func(t domain.Task) bool { return t.ColumnID != ev.ColumnID })
	default:
		return state
	}
	return next
}

func filterTasks(tasks []domain.Task, keep func(domain.Task) bool) []domain.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
