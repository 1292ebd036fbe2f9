package realtime

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// DefaultHeartbeat keeps idle streams open through proxies.
const DefaultHeartbeat = 25 * time.Second

var heartbeatComment = []byte(": ping\n\n")

// Open connects a new session with a fresh id and queues the session frame
// carrying its token, so it is the first thing the client reads.
func (r *Registry) Open(tokens *Tokens) (*Session, SessionInfo, error) {
	id := uuid.NewString()
	token, err := tokens.Issue(id)
	if err != nil {
		return nil, SessionInfo{}, err
	}
	info := SessionInfo{SessionID: id, Token: token}
	f, err := sessionFrame(info)
	if err != nil {
		return nil, SessionInfo{}, err
	}
	s, err := r.Connect(id)
	if err != nil {
		return nil, SessionInfo{}, err
	}
	if err := r.queue(id, f); err != nil {
		r.Leave(id)
		return nil, SessionInfo{}, err
	}
	return s, info, nil
}

// Serve writes the session's frames to w until ctx ends or the session is
// closed, with a heartbeat comment whenever the stream has been idle.
func Serve(ctx context.Context, w io.Writer, flush func(), s *Session, heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Write(heartbeatComment); err != nil {
				return err
			}
			flush()
		case f, ok := <-s.Frames():
			if !ok {
				return nil
			}
			if _, err := f.WriteTo(w); err != nil {
				return err
			}
			flush()
			ticker.Reset(heartbeat)
		}
	}
}
