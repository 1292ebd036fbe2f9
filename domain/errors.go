package domain

import "errors"

// ErrValidation marks input rejected before persistence.
var ErrValidation = errors.New("validation failed")

// ErrNotFound marks a board, column, task or file id that does not resolve.
var ErrNotFound = errors.New("not found")

// NotFoundError names the entity that could not be resolved. It matches
// ErrNotFound with errors.Is.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// BoardNotFound reports an unknown board id.
func BoardNotFound(id string) error { return &NotFoundError{Entity: "Board", ID: id} }

// ColumnNotFound reports a column id that is not part of its board.
func ColumnNotFound(id string) error { return &NotFoundError{Entity: "Column", ID: id} }

// TaskNotFound reports an unknown task id.
func TaskNotFound(id string) error { return &NotFoundError{Entity: "Task", ID: id} }
