// Package realtime tracks live sessions per board and fans change events out to
// them over server-sent events.
package realtime

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already connected")
	ErrNotJoined      = errors.New("session has not joined the board")
)

// Session is one live connection with a bounded outbound mailbox.
type Session struct {
	ID string

	out     chan Frame
	done    chan struct{}
	dropped atomic.Int64
}

// Frames yields queued frames in publish order. It is closed on Leave.
func (s *Session) Frames() <-chan Frame { return s.out }

// Done is closed when the session leaves the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dropped counts frames discarded because the mailbox was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Registry maps boards to the sessions viewing them. It is plain process state
// and starts empty on every boot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	joined   map[string]map[string]struct{}
	buffer   int
	log      log.FieldLogger
}

// NewRegistry creates a registry whose sessions buffer up to buffer frames.
func NewRegistry(buffer int, logger log.FieldLogger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		joined:   make(map[string]map[string]struct{}),
		buffer:   buffer,
		log:      logger,
	}
}

// Connect registers a live session.
func (r *Registry) Connect(sessionID string) (*Session, error) {
	s := &Session{ID: sessionID, out: make(chan Frame, r.buffer), done: make(chan struct{})}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sessionID]; exists {
		return nil, ErrSessionExists
	}
	r.sessions[sessionID] = s
	r.joined[sessionID] = make(map[string]struct{})
	return s, nil
}

// Join adds the session to the board's room. Rooms already joined are kept.
func (r *Registry) Join(sessionID, boardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	room := r.rooms[boardID]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[boardID] = room
	}
	room[sessionID] = s
	r.joined[sessionID][boardID] = struct{}{}
	return nil
}

// Leave removes the session from every room and closes its mailbox. Unknown
// sessions are ignored.
func (r *Registry) Leave(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID)
}

func (r *Registry) leaveLocked(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for boardID := range r.joined[sessionID] {
		if room := r.rooms[boardID]; room != nil {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(r.rooms, boardID)
			}
		}
	}
	delete(r.joined, sessionID)
	delete(r.sessions, sessionID)
	close(s.done)
	close(s.out)
}

// CloseAll ends every session, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.sessions {
		r.leaveLocked(id)
	}
}

// Members returns the ids of sessions in the board's room, sorted.
func (r *Registry) Members(boardID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[boardID]))
	for id := range r.rooms[boardID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InRoom reports whether the session has joined the board.
func (r *Registry) InRoom(sessionID, boardID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[boardID][sessionID]
	return ok
}

// Connected reports whether the session is live.
func (r *Registry) Connected(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Deliver queues f for every member of the room except exclude and returns the
// number of sessions that accepted it. A full mailbox drops the frame for that
// session only.
func (r *Registry) Deliver(boardID string, f Frame, exclude string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for id, s := range r.rooms[boardID] {
		if id == exclude {
			continue
		}
		select {
		case s.out <- f:
			delivered++
		default:
			s.dropped.Add(1)
			r.log.WithFields(log.Fields{
				"session": id,
				"boardId": boardID,
				"event":   f.Event,
			}).Debug("realtime mailbox full, frame dropped")
		}
	}
	return delivered
}

// queue puts a frame directly into one session's mailbox.
func (r *Registry) queue(sessionID string, f Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	select {
	case s.out <- f:
		return nil
	default:
		s.dropped.Add(1)
		return errors.New("session mailbox full")
	}
}
