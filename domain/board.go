package domain

import (
	"math"
	"strings"
	"time"
)

// SeedColumnNames are the columns every new board starts with.
var SeedColumnNames = []string{"To Do", "In Progress", "Done"}

// doneColumnName marks the completion column used for progress.
const doneColumnName = "done"

// Column is a named bucket within a board.
type Column struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Board owns an ordered list of columns. Tasks reference it by id.
type Board struct {
	ID        string    `json:"_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Columns   []Column  `json:"columns"`
}

// BoardSummary is a board as returned by the board list, with derived progress.
type BoardSummary struct {
	Board
	Progress int `json:"progress"`
}

// Column returns the column with the given id.
func (b Board) Column(id string) (Column, bool) {
	for _, c := range b.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the board carries a column with the given id.
func (b Board) HasColumn(id string) bool {
	_, ok := b.Column(id)
	return ok
}

// DoneColumnID resolves the completion column by case-insensitive name. The first
// match wins when several columns are called "Done".
func (b Board) DoneColumnID() (string, bool) {
	for _, c := range b.Columns {
		if strings.EqualFold(strings.TrimSpace(c.Name), doneColumnName) {
			return c.ID, true
		}
	}
	return "", false
}

// Clone returns a copy that shares no column storage with b.
func (b Board) Clone() Board {
	out := b
	if b.Columns != nil {
		out.Columns = append([]Column(nil), b.Columns...)
	}
	return out
}

// Progress is round(100*done/total) over the board's tasks, 0 for an empty board.
// Tasks belonging to other boards are ignored.
func Progress(b Board, tasks []Task) int {
	doneID, hasDone := b.DoneColumnID()
	total, done := 0, 0
	for _, t := range tasks {
		if t.BoardID != b.ID {
			continue
		}
		total++
		if hasDone && t.ColumnID == doneID {
			done++
		}
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

// Summarize attaches progress to a board.
func Summarize(b Board, tasks []Task) BoardSummary {
	return BoardSummary{Board: b, Progress: Progress(b, tasks)}
}
