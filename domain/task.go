package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks a task.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Valid reports whether p is one of the enumerated priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Description is one entry of a task's ordered notes.
type Description struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Checked   bool      `json:"checked"`
}

// Task is a unit of work. BoardID is fixed at creation; ColumnID moves.
type Task struct {
	ID           string        `json:"_id"`
	BoardID      string        `json:"boardId"`
	ColumnID     string        `json:"columnId"`
	Title        string        `json:"title"`
	Descriptions []Description `json:"descriptions"`
	Priority     Priority      `json:"priority"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Clone returns a copy that shares no description storage with t.
func (t Task) Clone() Task {
	out := t
	if t.Descriptions != nil {
		out.Descriptions = append([]Description(nil), t.Descriptions...)
	}
	return out
}

// NewTask is the input for task creation.
type NewTask struct {
	BoardID      string        `json:"boardId"`
	ColumnID     string        `json:"columnId"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Descriptions []Description `json:"descriptions,omitempty"`
	Priority     Priority      `json:"priority,omitempty"`
}

// Validate checks required fields and fills defaults.
func (n *NewTask) Validate(now time.Time) error {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if n.BoardID == "" {
		return fmt.Errorf("%w: boardId is required", ErrValidation)
	}
	if n.ColumnID == "" {
		return fmt.Errorf("%w: columnId is required", ErrValidation)
	}
	if n.Priority == "" {
		n.Priority = PriorityLow
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, n.Priority)
	}
	if n.Description != "" {
		n.Descriptions = append([]Description{{Content: n.Description}}, n.Descriptions...)
		n.Description = ""
	}
	fillDescriptionDefaults(n.Descriptions, now)
	return nil
}

// Task builds the record to persist. The store assigns the id.
func (n NewTask) Task(now time.Time) Task {
	descs := n.Descriptions
	if descs == nil {
		descs = []Description{}
	}
	return Task{
		BoardID:      n.BoardID,
		ColumnID:     n.ColumnID,
		Title:        n.Title,
		Descriptions: descs,
		Priority:     n.Priority,
		CreatedAt:    now,
	}
}

// TaskPatch carries any subset of a task's mutable fields. BoardID may be echoed
// back by clients but never changed.
type TaskPatch struct {
	Title        *string        `json:"title,omitempty"`
	Descriptions *[]Description `json:"descriptions,omitempty"`
	Priority     *Priority      `json:"priority,omitempty"`
	ColumnID     *string        `json:"columnId,omitempty"`
	BoardID      *string        `json:"boardId,omitempty"`
}

// Validate checks the patch in isolation; referential checks happen in the service.
func (p *TaskPatch) Validate(now time.Time) error {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return fmt.Errorf("%w: title cannot be empty", ErrValidation)
		}
		p.Title = &title
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, *p.Priority)
	}
	if p.ColumnID != nil && *p.ColumnID == "" {
		return fmt.Errorf("%w: columnId cannot be empty", ErrValidation)
	}
	if p.Descriptions != nil {
		if *p.Descriptions == nil {
			empty := []Description{}
			p.Descriptions = &empty
		}
		fillDescriptionDefaults(*p.Descriptions, now)
	}
	return nil
}

// Apply returns t with the patch applied.
func (p TaskPatch) Apply(t Task) Task {
	out := t.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Descriptions != nil {
		out.Descriptions = append([]Description{}, (*p.Descriptions)...)
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.ColumnID != nil {
		out.ColumnID = *p.ColumnID
	}
	return out
}

func fillDescriptionDefaults(descs []Description, now time.Time) {
	for i := range descs {
		if descs[i].CreatedAt.IsZero() {
			descs[i].CreatedAt = now
		}
	}
}
