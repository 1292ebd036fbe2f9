package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-api/domain"
	"kanban-api/storage"
)

type published struct {
	ev      domain.Event
	exclude string
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (r *recordingBus) Publish(ctx context.Context, ev domain.Event, exclude string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{ev: ev, exclude: exclude})
	return nil
}

func (r *recordingBus) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

type recordingCleaner struct {
	mu    sync.Mutex
	files []string
}

func (r *recordingCleaner) Schedule(files []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, files...)
	return true
}

type failingStore struct {
	*storage.Memory
	err error
}

func (f failingStore) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	return domain.Task{}, f.err
}

// gatedStore holds each task write until a value arrives on gate and then
// fails it the way a driver does when the call context is gone.
type gatedStore struct {
	*storage.Memory
	entered chan struct{}
	gate    chan struct{}
}

func (g gatedStore) wait(ctx context.Context) error {
	g.entered <- struct{}{}
	<-g.gate
	return ctx.Err()
}

func (g gatedStore) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if err := g.wait(ctx); err != nil {
		return domain.Task{}, err
	}
	return g.Memory.InsertTask(ctx, t)
}

func (g gatedStore) ReplaceTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if err := g.wait(ctx); err != nil {
		return domain.Task{}, err
	}
	return g.Memory.ReplaceTask(ctx, t)
}

func newTestService(t *testing.T) (*Service, *storage.Memory, *recordingBus, *recordingCleaner) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := storage.NewMemory()
	bus := &recordingBus{}
	cleaner := &recordingCleaner{}
	return New(store, bus, cleaner, logger), store, bus, cleaner
}

func columnByName(t *testing.T, b domain.Board, name string) domain.Column {
	t.Helper()
	for _, c := range b.Columns {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("board %s has no column %q", b.ID, name)
	return domain.Column{}
}

func progressOf(t *testing.T, svc *Service, boardID string) int {
	t.Helper()
	summaries, err := svc.ListBoards(context.Background())
	if err != nil {
		t.Fatalf("list boards: %v", err)
	}
	for _, s := range summaries {
		if s.ID == boardID {
			return s.Progress
		}
	}
	t.Fatalf("board %s not listed", boardID)
	return -1
}

func TestSprintProgressScenario(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.CreateBoard(ctx, "  Sprint 1 ")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if b.Title != "Sprint 1" || len(b.Columns) != 3 {
		t.Fatalf("unexpected board: %+v", b)
	}
	todo := columnByName(t, b, "To Do")
	done := columnByName(t, b, "Done")

	if got := progressOf(t, svc, b.ID); got != 0 {
		t.Fatalf("empty board progress = %d", got)
	}

	a, err := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: todo.ID, Title: "A"}, "")
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	bTask, err := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: todo.ID, Title: "B"}, "")
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	if a.Priority != domain.PriorityLow {
		t.Fatalf("expected default priority, got %q", a.Priority)
	}

	moveTo := func(task domain.Task, col string) {
		if _, err := svc.UpdateTask(ctx, task.ID, domain.TaskPatch{ColumnID: &col}, ""); err != nil {
			t.Fatalf("move %s: %v", task.Title, err)
		}
	}
	moveTo(a, done.ID)
	if got := progressOf(t, svc, b.ID); got != 50 {
		t.Fatalf("progress after one move = %d", got)
	}
	moveTo(bTask, done.ID)
	if got := progressOf(t, svc, b.ID); got != 100 {
		t.Fatalf("progress after both moves = %d", got)
	}

	events := bus.all()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	want := []domain.EventType{domain.EventNewTask, domain.EventNewTask, domain.EventTaskUpdated, domain.EventTaskUpdated}
	for i, ev := range events {
		if ev.ev.Type != want[i] || ev.ev.BoardID != b.ID {
			t.Fatalf("event %d = %s on %s", i, ev.ev.Type, ev.ev.BoardID)
		}
	}
	last := events[3].ev.Task
	if last == nil || last.ID != bTask.ID || last.ColumnID != done.ID || last.Title != "B" {
		t.Fatalf("task-updated must carry the full task, got %+v", last)
	}
}

func TestDeleteColumnCascadesAndCleansFiles(t *testing.T) {
	svc, store, bus, cleaner := newTestService(t)
	ctx := context.Background()

	b, _ := svc.CreateBoard(ctx, "Release")
	review, err := svc.AddColumn(ctx, b.ID, "Review", "sess-1")
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	col := columnByName(t, review, "Review")
	todo := columnByName(t, review, "To Do")

	url := "http://localhost:5000" + domain.UploadsPath + "1700000000000-42.png"
	withImage, err := svc.CreateTask(ctx, domain.NewTask{
		BoardID: b.ID, ColumnID: col.ID, Title: "Screenshot",
		Descriptions: []domain.Description{{Content: domain.ImageContent(url)}},
	}, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	kept, _ := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: todo.ID, Title: "Other"}, "")

	after, err := svc.DeleteColumn(ctx, b.ID, col.ID, "sess-1")
	if err != nil {
		t.Fatalf("delete column: %v", err)
	}
	if after.HasColumn(col.ID) {
		t.Fatal("column still on board")
	}
	if _, err := store.GetTask(ctx, withImage.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("task in deleted column survived: %v", err)
	}
	if _, err := store.GetTask(ctx, kept.ID); err != nil {
		t.Fatalf("task in other column removed: %v", err)
	}
	if len(cleaner.files) != 1 || cleaner.files[0] != "1700000000000-42.png" {
		t.Fatalf("unexpected cleanup: %v", cleaner.files)
	}

	events := bus.all()
	first, last := events[0], events[len(events)-1]
	if first.ev.Type != domain.EventColumnUpdated || first.ev.Column.Name != "Review" || first.exclude != "sess-1" {
		t.Fatalf("unexpected add event: %+v", first)
	}
	if last.ev.Type != domain.EventColumnDeleted || last.ev.ColumnID != col.ID || last.exclude != "sess-1" {
		t.Fatalf("unexpected delete event: %+v", last)
	}
}

func TestMoveToUnknownColumnPublishesNothing(t *testing.T) {
	svc, store, bus, _ := newTestService(t)
	ctx := context.Background()

	b, _ := svc.CreateBoard(ctx, "Board")
	other, _ := svc.CreateBoard(ctx, "Other")
	task, _ := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: b.Columns[0].ID, Title: "T"}, "")
	before := len(bus.all())

	for _, col := range []string{"nope", other.Columns[2].ID} {
		_, err := svc.UpdateTask(ctx, task.ID, domain.TaskPatch{ColumnID: &col}, "")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("move to %s: expected not found, got %v", col, err)
		}
	}
	if len(bus.all()) != before {
		t.Fatal("failed move published an event")
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.ColumnID != b.Columns[0].ID {
		t.Fatalf("task moved despite failure: %s", got.ColumnID)
	}
}

func TestUpdateTaskRejectsBoardChange(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	ctx := context.Background()
	b, _ := svc.CreateBoard(ctx, "Board")
	task, _ := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: b.Columns[0].ID, Title: "T"}, "")

	same := b.ID
	title := "renamed"
	if _, err := svc.UpdateTask(ctx, task.ID, domain.TaskPatch{BoardID: &same, Title: &title}, ""); err != nil {
		t.Fatalf("echoed boardId must be accepted: %v", err)
	}
	moved := "elsewhere"
	if _, err := svc.UpdateTask(ctx, task.ID, domain.TaskPatch{BoardID: &moved}, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(bus.all()); n != 2 {
		t.Fatalf("expected create and one update published, got %d", n)
	}
}

func TestUpdateTaskCleansDroppedFiles(t *testing.T) {
	svc, _, _, cleaner := newTestService(t)
	ctx := context.Background()
	b, _ := svc.CreateBoard(ctx, "Board")
	img := domain.ImageContent("/api/uploads/a.png")
	voice := domain.VoiceNoteContent("/api/uploads/voice-notes/b.webm")
	task, _ := svc.CreateTask(ctx, domain.NewTask{
		BoardID: b.ID, ColumnID: b.Columns[0].ID, Title: "T",
		Descriptions: []domain.Description{{Content: img}, {Content: voice}},
	}, "")

	descs := []domain.Description{task.Descriptions[1]}
	if _, err := svc.UpdateTask(ctx, task.ID, domain.TaskPatch{Descriptions: &descs}, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(cleaner.files) != 1 || cleaner.files[0] != "a.png" {
		t.Fatalf("unexpected cleanup: %v", cleaner.files)
	}

	if err := svc.DeleteTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(cleaner.files) != 2 || cleaner.files[1] != "b.webm" {
		t.Fatalf("unexpected cleanup after delete: %v", cleaner.files)
	}
	if err := svc.DeleteTask(ctx, task.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestDeleteBoardCascades(t *testing.T) {
	svc, store, bus, cleaner := newTestService(t)
	ctx := context.Background()
	b, _ := svc.CreateBoard(ctx, "Board")
	_, _ = svc.CreateTask(ctx, domain.NewTask{
		BoardID: b.ID, ColumnID: b.Columns[0].ID, Title: "T",
		Description: domain.ImageContent("/api/uploads/c.png"),
	}, "")
	before := len(bus.all())

	if err := svc.DeleteBoard(ctx, b.ID); err != nil {
		t.Fatalf("delete board: %v", err)
	}
	if _, err := svc.GetBoard(ctx, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("board still there: %v", err)
	}
	tasks, _ := store.ListTasks(ctx, b.ID)
	if len(tasks) != 0 {
		t.Fatalf("tasks survived board delete: %d", len(tasks))
	}
	if len(cleaner.files) != 1 || cleaner.files[0] != "c.png" {
		t.Fatalf("unexpected cleanup: %v", cleaner.files)
	}
	if len(bus.all()) != before {
		t.Fatal("board delete published an event")
	}
	if err := svc.DeleteBoard(ctx, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestValidationAndStorageErrors(t *testing.T) {
	svc, _, bus, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateBoard(ctx, "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank title: %v", err)
	}
	b, _ := svc.CreateBoard(ctx, "Board")
	if _, err := svc.AddColumn(ctx, b.ID, "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank column: %v", err)
	}
	if _, err := svc.RenameColumn(ctx, b.ID, "missing", "x", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rename missing column: %v", err)
	}
	if _, err := svc.DeleteColumn(ctx, b.ID, "missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete missing column: %v", err)
	}
	if _, err := svc.CreateTask(ctx, domain.NewTask{BoardID: "missing", ColumnID: "c", Title: "T"}, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("task on missing board: %v", err)
	}
	if len(bus.all()) != 0 {
		t.Fatal("failed mutations published events")
	}

	logger, _ := test.NewNullLogger()
	boom := errors.New("table unavailable")
	mem := storage.NewMemory()
	broken := New(failingStore{Memory: mem, err: boom}, bus, nil, logger)
	b2, _ := broken.CreateBoard(ctx, "Board")
	_, err := broken.CreateTask(ctx, domain.NewTask{BoardID: b2.ID, ColumnID: b2.Columns[0].ID, Title: "T"}, "")
	var se *StorageError
	if !errors.As(err, &se) || !errors.Is(err, boom) {
		t.Fatalf("expected storage error wrapping cause, got %v", err)
	}
}

func TestListTasksUnknownBoardIsEmpty(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	tasks, err := svc.ListTasks(context.Background(), "missing")
	if err != nil || tasks == nil || len(tasks) != 0 {
		t.Fatalf("expected empty list, got %v %v", tasks, err)
	}
}

func TestReferentialChecksSkipBoardCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("close redis: %v", err)
		}
	})

	logger, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	cache := storage.NewCache(mem, client, time.Minute)
	bus := &recordingBus{}
	svc := New(cache, bus, nil, logger)
	ctx := context.Background()

	b, err := svc.CreateBoard(ctx, "Sprint")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	todo, done := columnByName(t, b, "To Do"), columnByName(t, b, "Done")
	task, err := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: todo.ID, Title: "A"}, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := svc.GetBoard(ctx, b.ID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	// The cached copy still lists Done after this.
	if _, err := mem.RemoveColumn(ctx, b.ID, done.ID); err != nil {
		t.Fatalf("remove column: %v", err)
	}
	before := len(bus.all())

	if _, err := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: done.ID, Title: "B"}, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("create into deleted column: %v", err)
	}
	col := done.ID
	if _, err := svc.UpdateTask(ctx, task.ID, domain.TaskPatch{ColumnID: &col}, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("move into deleted column: %v", err)
	}
	if _, err := svc.DeleteColumn(ctx, b.ID, done.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete of deleted column: %v", err)
	}
	tasks, _ := svc.ListTasks(ctx, b.ID)
	if len(tasks) != 1 || tasks[0].ColumnID != todo.ID {
		t.Fatalf("tasks = %+v", tasks)
	}
	if len(bus.all()) != before {
		t.Fatal("rejected mutations published events")
	}
}

func TestAcceptedMutationSurvivesCallerCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mem := storage.NewMemory()
	store := gatedStore{Memory: mem, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	bus := &recordingBus{}
	svc := New(store, bus, nil, logger)

	b, err := svc.CreateBoard(context.Background(), "Sprint")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	done := columnByName(t, b, "Done")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		task domain.Task
		err  error
	}
	created := make(chan result, 1)
	go func() {
		task, err := svc.CreateTask(ctx, domain.NewTask{BoardID: b.ID, ColumnID: b.Columns[0].ID, Title: "A"}, "")
		created <- result{task, err}
	}()
	<-store.entered
	cancel()
	store.gate <- struct{}{}
	res := <-created
	if res.err != nil {
		t.Fatalf("create after cancel: %v", res.err)
	}
	if _, err := mem.GetTask(context.Background(), res.task.ID); err != nil {
		t.Fatalf("task not persisted: %v", err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	updated := make(chan result, 1)
	go func() {
		col := done.ID
		task, err := svc.UpdateTask(ctx2, res.task.ID, domain.TaskPatch{ColumnID: &col}, "")
		updated <- result{task, err}
	}()
	<-store.entered
	cancel2()
	store.gate <- struct{}{}
	upd := <-updated
	if upd.err != nil || upd.task.ColumnID != done.ID {
		t.Fatalf("update after cancel: %+v %v", upd.task, upd.err)
	}

	events := bus.all()
	if len(events) != 2 || events[0].ev.Type != domain.EventNewTask || events[1].ev.Type != domain.EventTaskUpdated {
		t.Fatalf("events = %+v", events)
	}
}

func TestDeleteTaskCleansOnlyOwnUploads(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cleaner := &recordingCleaner{}
	svc := New(storage.NewMemory(), &recordingBus{}, cleaner, logger, WithUploadBase("https://kanban.example.com"))
	ctx := context.Background()

	b, _ := svc.CreateBoard(ctx, "Release")
	task, err := svc.CreateTask(ctx, domain.NewTask{
		BoardID: b.ID, ColumnID: b.Columns[0].ID, Title: "Links",
		Descriptions: []domain.Description{
			{Content: domain.ImageContent("https://elsewhere.example.org" + domain.UploadsPath + "shared.png")},
			{Content: domain.ImageContent("https://kanban.example.com" + domain.UploadsPath + "1700000000000-42.png")},
		},
	}, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := svc.DeleteTask(ctx, task.ID, ""); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if len(cleaner.files) != 1 || cleaner.files[0] != "1700000000000-42.png" {
		t.Fatalf("unexpected cleanup: %v", cleaner.files)
	}
}
