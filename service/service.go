// Package service holds the mutation pipeline for boards, columns and tasks.
// Every mutation validates, persists through the Store and only then publishes
// the canonical record to the board's room.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kanban-api/domain"
)

const tracerName = "kanban-api/service"

// Store persists boards and tasks. Missing records are reported with errors
// matching domain.ErrNotFound.
type Store interface {
	ListBoards(ctx context.Context) ([]domain.Board, error)
	GetBoard(ctx context.Context, id string) (domain.Board, error)
	InsertBoard(ctx context.Context, b domain.Board) (domain.Board, error)
	RenameBoard(ctx context.Context, id, title string) (domain.Board, error)
	DeleteBoard(ctx context.Context, id string) error
	AddColumn(ctx context.Context, boardID, name string) (domain.Board, domain.Column, error)
	RenameColumn(ctx context.Context, boardID, columnID, name string) (domain.Board, error)
	RemoveColumn(ctx context.Context, boardID, columnID string) (domain.Board, error)
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) (domain.Task, error)
	ReplaceTask(ctx context.Context, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
	DeleteTasksByColumn(ctx context.Context, boardID, columnID string) ([]domain.Task, error)
	DeleteTasksByBoard(ctx context.Context, boardID string) ([]domain.Task, error)
}

// Publisher broadcasts an event to a board's room, skipping excludeSession.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event, excludeSession string) error
}

// Cleaner removes uploaded files in the background.
type Cleaner interface {
	Schedule(files []string) bool
}

// StorageError wraps a store failure that is neither a validation nor a
// not-found error. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Service runs the board and task mutations.
type Service struct {
	store   Store
	bus     Publisher
	cleaner Cleaner
	log     *log.Logger
	tracer  trace.Tracer
	uploads domain.Uploads
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithUploadBase limits file cleanup to upload links under the given public
// base URL. Without it links on any host count.
func WithUploadBase(baseURL string) Option {
	return func(s *Service) { s.uploads = domain.NewUploads(baseURL) }
}

// New creates a Service. cleaner may be nil, in which case files are never removed.
func New(store Store, bus Publisher, cleaner Cleaner, logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		panic("Logger is not initialized")
	}
	s := &Service{
		store:   store,
		bus:     bus,
		cleaner: cleaner,
		log:     logger,
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func boardAttr(id string) attribute.KeyValue { return attribute.String("kanban.board_id", id) }

// publish never fails the mutation; the record is already persisted.
func (s *Service) publish(ctx context.Context, ev domain.Event, exclude string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev, exclude); err != nil {
		s.log.WithFields(log.Fields{"boardId": ev.BoardID, "event": ev.Type}).Errorf("publish failed: %v", err)
	}
}

func (s *Service) cleanup(files []string) {
	if len(files) == 0 || s.cleaner == nil {
		return
	}
	if !s.cleaner.Schedule(files) {
		s.log.WithField("files", len(files)).Warn("file cleanup not scheduled")
	}
}

func requireName(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	}
	return v, nil
}

// ListBoards returns every board with its progress recomputed from its tasks.
func (s *Service) ListBoards(ctx context.Context) (out []domain.BoardSummary, err error) {
	ctx, span := s.start(ctx, "ListBoards")
	defer func() { finish(span, err) }()

	boards, err := s.store.ListBoards(ctx)
	if err != nil {
		return nil, storageErr("list boards", err)
	}
	out = make([]domain.BoardSummary, 0, len(boards))
	for _, b := range boards {
		tasks, err := s.store.ListTasks(ctx, b.ID)
		if err != nil {
			return nil, storageErr("list tasks", err)
		}
		out = append(out, domain.Summarize(b, tasks))
	}
	span.SetAttributes(attribute.Int("kanban.boards", len(out)))
	return out, nil
}

// GetBoard returns one board.
func (s *Service) GetBoard(ctx context.Context, id string) (b domain.Board, err error) {
	ctx, span := s.start(ctx, "GetBoard", boardAttr(id))
	defer func() { finish(span, err) }()

	b, err = s.store.GetBoard(ctx, id)
	return b, storageErr("get board", err)
}

// CreateBoard stores a new board with the seed columns. No event is published;
// nobody can have joined the room yet.
func (s *Service) CreateBoard(ctx context.Context, title string) (b domain.Board, err error) {
	ctx, span := s.start(ctx, "CreateBoard")
	defer func() { finish(span, err) }()

	title, err = requireName("title", title)
	if err != nil {
		return domain.Board{}, err
	}
	cols := make([]domain.Column, len(domain.SeedColumnNames))
	for i, name := range domain.SeedColumnNames {
		cols[i] = domain.Column{Name: name}
	}
	b, err = s.store.InsertBoard(context.WithoutCancel(ctx), domain.Board{Title: title, CreatedAt: s.now(), Columns: cols})
	if err != nil {
		return domain.Board{}, storageErr("insert board", err)
	}
	span.SetAttributes(boardAttr(b.ID))
	return b, nil
}

// RenameBoard changes a board's title.
func (s *Service) RenameBoard(ctx context.Context, id, title string) (b domain.Board, err error) {
	ctx, span := s.start(ctx, "RenameBoard", boardAttr(id))
	defer func() { finish(span, err) }()

	title, err = requireName("title", title)
	if err != nil {
		return domain.Board{}, err
	}
	b, err = s.store.RenameBoard(context.WithoutCancel(ctx), id, title)
	return b, storageErr("rename board", err)
}

// DeleteBoard removes a board and every task on it, then schedules cleanup of
// the files those tasks referenced.
func (s *Service) DeleteBoard(ctx context.Context, id string) (err error) {
	ctx, span := s.start(ctx, "DeleteBoard", boardAttr(id))
	defer func() { finish(span, err) }()

	ctx = context.WithoutCancel(ctx)
	if err := s.store.DeleteBoard(ctx, id); err != nil {
		return storageErr("delete board", err)
	}
	removed, err := s.store.DeleteTasksByBoard(ctx, id)
	s.cleanup(s.uploads.TaskFileRefs(removed))
	if err != nil {
		return storageErr("delete board tasks", err)
	}
	span.SetAttributes(attribute.Int("kanban.tasks_removed", len(removed)))
	return nil
}

// AddColumn appends a column and publishes it as column-updated.
func (s *Service) AddColumn(ctx context.Context, boardID, name, exclude string) (b domain.Board, err error) {
	ctx, span := s.start(ctx, "AddColumn", boardAttr(boardID))
	defer func() { finish(span, err) }()

	name, err = requireName("name", name)
	if err != nil {
		return domain.Board{}, err
	}
	ctx = context.WithoutCancel(ctx)
	b, col, err := s.store.AddColumn(ctx, boardID, name)
	if err != nil {
		return domain.Board{}, storageErr("add column", err)
	}
	s.publish(ctx, domain.ColumnUpdatedEvent(b.ID, col), exclude)
	return b, nil
}

// RenameColumn renames a column in place and publishes it as column-updated.
func (s *Service) RenameColumn(ctx context.Context, boardID, columnID, name, exclude string) (b domain.Board, err error) {
	ctx, span := s.start(ctx, "RenameColumn", boardAttr(boardID), attribute.String("kanban.column_id", columnID))
	defer func() { finish(span, err) }()

	name, err = requireName("name", name)
	if err != nil {
		return domain.Board{}, err
	}
	ctx = context.WithoutCancel(ctx)
	b, err = s.store.RenameColumn(ctx, boardID, columnID, name)
	if err != nil {
		return domain.Board{}, storageErr("rename column", err)
	}
	col, ok := b.Column(columnID)
	if !ok {
		return domain.Board{}, domain.ColumnNotFound(columnID)
	}
	s.publish(ctx, domain.ColumnUpdatedEvent(b.ID, col), exclude)
	return b, nil
}

// DeleteColumn removes a column and every task in it. Files referenced by the
// removed tasks are scheduled for cleanup and column-deleted is published.
func (s *Service) DeleteColumn(ctx context.Context, boardID, columnID, exclude string) (b domain.Board, err error) {
	ctx, span := s.start(ctx, "DeleteColumn", boardAttr(boardID), attribute.String("kanban.column_id", columnID))
	defer func() { finish(span, err) }()

	if err := s.checkColumn(ctx, boardID, columnID); err != nil {
		return domain.Board{}, err
	}

	ctx = context.WithoutCancel(ctx)
	removed, err := s.store.DeleteTasksByColumn(ctx, boardID, columnID)
	s.cleanup(s.uploads.TaskFileRefs(removed))
	if err != nil {
		return domain.Board{}, storageErr("delete column tasks", err)
	}
	b, err = s.store.RemoveColumn(ctx, boardID, columnID)
	if err != nil {
		return domain.Board{}, storageErr("remove column", err)
	}
	span.SetAttributes(attribute.Int("kanban.tasks_removed", len(removed)))
	s.publish(ctx, domain.ColumnDeletedEvent(boardID, columnID), exclude)
	return b, nil
}

// ListTasks returns the tasks of a board. An unknown board has no tasks.
func (s *Service) ListTasks(ctx context.Context, boardID string) (tasks []domain.Task, err error) {
	ctx, span := s.start(ctx, "ListTasks", boardAttr(boardID))
	defer func() { finish(span, err) }()

	tasks, err = s.store.ListTasks(ctx, boardID)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

// CreateTask stores a task in a column of its board and publishes new-task.
func (s *Service) CreateTask(ctx context.Context, in domain.NewTask, exclude string) (t domain.Task, err error) {
	ctx, span := s.start(ctx, "CreateTask", boardAttr(in.BoardID))
	defer func() { finish(span, err) }()

	now := s.now()
	if err := in.Validate(now); err != nil {
		return domain.Task{}, err
	}
	if err := s.checkColumn(ctx, in.BoardID, in.ColumnID); err != nil {
		return domain.Task{}, err
	}
	ctx = context.WithoutCancel(ctx)
	t, err = s.store.InsertTask(ctx, in.Task(now))
	if err != nil {
		return domain.Task{}, storageErr("insert task", err)
	}
	s.publish(ctx, domain.NewTaskEvent(t), exclude)
	return t, nil
}

// UpdateTask applies a partial update and publishes the full task. The write
// replaces the whole record; concurrent updates to one task are last write wins.
func (s *Service) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, exclude string) (t domain.Task, err error) {
	ctx, span := s.start(ctx, "UpdateTask", attribute.String("kanban.task_id", id))
	defer func() { finish(span, err) }()

	if err := patch.Validate(s.now()); err != nil {
		return domain.Task{}, err
	}
	current, err := s.store.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, storageErr("get task", err)
	}
	span.SetAttributes(boardAttr(current.BoardID))
	if patch.BoardID != nil && *patch.BoardID != current.BoardID {
		return domain.Task{}, fmt.Errorf("%w: boardId cannot change", domain.ErrValidation)
	}
	if patch.ColumnID != nil && *patch.ColumnID != current.ColumnID {
		if err := s.checkColumn(ctx, current.BoardID, *patch.ColumnID); err != nil {
			return domain.Task{}, err
		}
	}

	ctx = context.WithoutCancel(ctx)
	t, err = s.store.ReplaceTask(ctx, patch.Apply(current))
	if err != nil {
		return domain.Task{}, storageErr("replace task", err)
	}
	s.cleanup(droppedFiles(s.uploads, current, t))
	s.publish(ctx, domain.TaskUpdatedEvent(t), exclude)
	return t, nil
}

// DeleteTask removes a task, schedules cleanup of its files and publishes task-deleted.
func (s *Service) DeleteTask(ctx context.Context, id, exclude string) (err error) {
	ctx, span := s.start(ctx, "DeleteTask", attribute.String("kanban.task_id", id))
	defer func() { finish(span, err) }()

	ctx = context.WithoutCancel(ctx)
	t, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return storageErr("delete task", err)
	}
	span.SetAttributes(boardAttr(t.BoardID))
	s.cleanup(s.uploads.FileRefs(t.Descriptions))
	s.publish(ctx, domain.TaskDeletedEvent(t.BoardID, t.ID), exclude)
	return nil
}

// directReader is implemented by stores that put a read cache in front of the
// board records.
type directReader interface {
	GetBoardDirect(ctx context.Context, id string) (domain.Board, error)
}

// checkColumn reads the board past any cache.
func (s *Service) checkColumn(ctx context.Context, boardID, columnID string) error {
	get := s.store.GetBoard
	if d, ok := s.store.(directReader); ok {
		get = d.GetBoardDirect
	}
	b, err := get(ctx, boardID)
	if err != nil {
		return storageErr("get board", err)
	}
	if !b.HasColumn(columnID) {
		return domain.ColumnNotFound(columnID)
	}
	return nil
}

// droppedFiles lists files referenced before an update and no longer after it.
func droppedFiles(u domain.Uploads, before, after domain.Task) []string {
	old := u.FileRefs(before.Descriptions)
	if len(old) == 0 {
		return nil
	}
	keep := make(map[string]struct{})
	for _, name := range u.FileRefs(after.Descriptions) {
		keep[name] = struct{}{}
	}
	var out []string
	for _, name := range old {
		if _, ok := keep[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
