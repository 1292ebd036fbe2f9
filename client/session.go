package client

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// ErrBoardGone ends a session whose board no longer exists.
var ErrBoardGone = errors.New("board no longer exists")

// ErrNotReady is returned for moves before the first snapshot arrived.
var ErrNotReady = errors.New("board not loaded yet")

// Backend is the part of the mutation API a session needs.
type Backend interface {
	GetBoard(ctx context.Context, id string) (domain.Board, error)
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, token string) (domain.Task, error)
}

type (
	eventMsg     struct{ ev domain.Event }
	connectedMsg struct{ token string }
	refetchMsg   struct{}
	fetchResult  struct {
		gen   int
		state State
		err   error
	}
	moveMsg struct {
		taskID   string
		columnID string
		reply    chan error
	}
	moveResult struct {
		task  domain.Task
		err   error
		reply chan error
	}
	snapshotMsg struct{ reply chan snapshot }
)

type snapshot struct {
	state State
	ready bool
}

// SessionConfig tunes resync behaviour.
type SessionConfig struct {
	// MaxResyncRounds bounds how often a snapshot is refetched because events
	// arrived while it was in flight.
	MaxResyncRounds int
	RetryDelay      time.Duration
	FetchTimeout    time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxResyncRounds <= 0 {
		c.MaxResyncRounds = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

// Session owns the local state of one board. A single goroutine (Run) handles
// every message to completion, so each state transition is atomic.
type Session struct {
	boardID string
	api     Backend
	cfg     SessionConfig
	log     log.FieldLogger
	inbox   chan any
	changes chan struct{}
	done    chan struct{}

	// loop state, owned by Run
	state    State
	ready    bool
	token    string
	fetching bool
	gen      int
	rounds   int
	buffered []domain.Event
}

func NewSession(boardID string, api Backend, cfg SessionConfig, logger log.FieldLogger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Session{
		boardID: boardID,
		api:     api,
		cfg:     cfg.withDefaults(),
		log:     logger.WithField("boardId", boardID),
		inbox:   make(chan any, 64),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Changes is signalled after every state change. Signals coalesce.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Connected reports a fresh realtime connection; the session resyncs.
func (s *Session) Connected(token string) { s.send(connectedMsg{token: token}) }

// Deliver hands a realtime event to the session.
func (s *Session) Deliver(ev domain.Event) { s.send(eventMsg{ev: ev}) }

func (s *Session) send(m any) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

// Snapshot returns a copy of the current state and whether it has been loaded.
func (s *Session) Snapshot(ctx context.Context) (State, bool, error) {
	reply := make(chan snapshot, 1)
	select {
	case s.inbox <- snapshotMsg{reply: reply}:
	case <-s.done:
		return State{}, false, ErrSessionClosed
	case <-ctx.Done():
		return State{}, false, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap.state, snap.ready, nil
	case <-s.done:
		return State{}, false, ErrSessionClosed
	case <-ctx.Done():
		return State{}, false, ctx.Err()
	}
}

// ErrSessionClosed is returned by calls made after Run returned.
var ErrSessionClosed = errors.New("session closed")

// MoveTask moves a task to another column. The move shows locally at once;
// when the server rejects it the local state is rebuilt by a resync.
func (s *Session) MoveTask(ctx context.Context, taskID, columnID string) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- moveMsg{taskID: taskID, columnID: columnID, reply: reply}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes messages until ctx ends or the board is deleted.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.inbox:
			if err := s.handle(ctx, m); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, m any) error {
	switch m := m.(type) {
	case connectedMsg:
		s.token = m.token
		s.rounds = 0
		s.startFetch(ctx)
	case refetchMsg:
		if !s.fetching {
			s.startFetch(ctx)
		}
	case eventMsg:
		if m.ev.BoardID != s.boardID {
			return nil
		}
		if s.fetching || !s.ready {
			s.buffered = append(s.buffered, m.ev)
			return nil
		}
		s.apply(Reconcile(s.state, m.ev))
	case fetchResult:
		return s.handleFetch(ctx, m)
	case moveMsg:
		s.handleMove(ctx, m)
	case moveResult:
		if m.err != nil {
			s.log.WithError(m.err).Warn("move rejected, resyncing")
			s.rounds = 0
			s.startFetch(ctx)
		} else if s.ready && !s.fetching {
			s.apply(Reconcile(s.state, domain.TaskUpdatedEvent(m.task)))
		}
		m.reply <- m.err
	case snapshotMsg:
		m.reply <- snapshot{state: s.state.Clone(), ready: s.ready}
	}
	return nil
}

func (s *Session) handleFetch(ctx context.Context, m fetchResult) error {
	if m.gen != s.gen {
		return nil
	}
	s.fetching = false
	if m.err != nil {
		if errors.Is(m.err, domain.ErrNotFound) {
			return ErrBoardGone
		}
		s.log.WithError(m.err).Warn("board fetch failed, retrying")
		time.AfterFunc(s.cfg.RetryDelay, func() { s.send(refetchMsg{}) })
		return nil
	}
	if len(s.buffered) > 0 && s.rounds < s.cfg.MaxResyncRounds {
		s.rounds++
		s.buffered = nil
		s.startFetch(ctx)
		return nil
	}
	next := m.state
	if len(s.buffered) > 0 {
		// No version on records: a buffered event older than the snapshot
		// wins until the next event for that record.
		s.log.WithField("events", len(s.buffered)).Debug("resync rounds exhausted, applying buffered events over snapshot")
	}
	for _, ev := range s.buffered {
		next = Reconcile(next, ev)
	}
	s.buffered = nil
	s.rounds = 0
	s.ready = true
	s.apply(next)
	return nil
}

func (s *Session) handleMove(ctx context.Context, m moveMsg) {
	if !s.ready {
		m.reply <- ErrNotReady
		return
	}
	task, ok := s.state.Task(m.taskID)
	if !ok {
		m.reply <- domain.TaskNotFound(m.taskID)
		return
	}
	task.ColumnID = m.columnID
	s.apply(Reconcile(s.state, domain.TaskUpdatedEvent(task)))

	token := s.token
	go func() {
		col := m.columnID
		updated, err := s.api.UpdateTask(ctx, m.taskID, domain.TaskPatch{ColumnID: &col}, token)
		s.send(moveResult{task: updated, err: err, reply: m.reply})
	}()
}

// startFetch loads board and tasks in the background. Results of older
// fetches are ignored by generation.
func (s *Session) startFetch(ctx context.Context) {
	s.gen++
	s.fetching = true
	gen := s.gen
	go func() {
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		var res fetchResult
		res.gen = gen
		b, err := s.api.GetBoard(fctx, s.boardID)
		if err == nil {
			var tasks []domain.Task
			tasks, err = s.api.ListTasks(fctx, s.boardID)
			res.state = State{Board: b, Tasks: tasks}
		}
		res.err = err
		s.send(res)
	}()
}

func (s *Session) apply(next State) {
	s.state = next
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
