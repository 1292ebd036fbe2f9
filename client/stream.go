package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kanban-api/domain"
	"kanban-api/realtime"
)

// Sink receives what a Stream reads.
type Sink interface {
	Connected(token string)
	Deliver(ev domain.Event)
}

// Stream keeps one realtime connection joined to a board and reconnects with
// exponential backoff when it drops.
type Stream struct {
	client     *Client
	boardID    string
	log        log.FieldLogger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewStream(c *Client, boardID string, logger log.FieldLogger) *Stream {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Stream{
		client:     c,
		boardID:    boardID,
		log:        logger.WithField("boardId", boardID),
		MinBackoff: time.Second,
		MaxBackoff: 5 * time.Second,
	}
}

// Run connects until ctx ends. It returns ErrBoardGone when the board
// cannot be joined because it no longer exists.
func (s *Stream) Run(ctx context.Context, sink Sink) error {
	backoff := s.MinBackoff
	for {
		connected, err := s.connect(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrBoardGone) {
			return err
		}
		if connected {
			backoff = s.MinBackoff
		}
		s.log.WithError(err).WithField("retry_in", backoff).Warn("realtime stream lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.MaxBackoff)
	}
}

// connect runs one connection. connected reports whether the board was joined.
func (s *Stream) connect(ctx context.Context, sink Sink) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.BaseURL+"/api/realtime", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.client.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, &StatusError{Code: resp.StatusCode, Message: "realtime stream refused"}
	}

	r := bufio.NewReader(resp.Body)
	event, data, err := readFrame(r)
	if err != nil {
		return false, err
	}
	if event != realtime.SessionEvent {
		return false, fmt.Errorf("expected session frame, got %q", event)
	}
	info, err := realtime.DecodeSession(data)
	if err != nil {
		return false, err
	}
	if err := s.client.Join(ctx, info.Token, s.boardID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, ErrBoardGone
		}
		return false, fmt.Errorf("join board: %w", err)
	}
	sink.Connected(info.Token)
	s.log.WithField("session", info.SessionID).Debug("realtime stream joined")

	for {
		event, data, err := readFrame(r)
		if err != nil {
			return true, err
		}
		ev, err := realtime.DecodeFrame(event, data)
		if err != nil {
			s.log.WithError(err).WithField("event", event).Warn("skipping undecodable frame")
			continue
		}
		sink.Deliver(ev)
	}
}

// readFrame reads the next event, skipping comment lines such as heartbeats.
func readFrame(r *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event != "" {
				return event, data, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
}

// Board pairs a Session with its Stream.
type Board struct {
	Session *Session
	Stream  *Stream
}

func NewBoard(c *Client, boardID string, cfg SessionConfig, logger log.FieldLogger) *Board {
	return &Board{
		Session: NewSession(boardID, c, cfg, logger),
		Stream:  NewStream(c, boardID, logger),
	}
}

// Run runs session and stream together; either one failing stops both.
func (b *Board) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Session.Run(gctx) })
	g.Go(func() error { return b.Stream.Run(gctx, b.Session) })
	return g.Wait()
}
