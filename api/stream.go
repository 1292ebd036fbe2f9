package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"kanban-api/realtime"
)

type joinRequest struct {
	BoardID string `json:"boardId"`
}

// streamRealtime opens a session and streams its frames as server-sent events
// until the client goes away or the server shuts down.
func (s *server) streamRealtime(c echo.Context) error {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	sess, info, err := s.registry.Open(s.tokens)
	if err != nil {
		s.log.Errorf("open realtime session: %v", err)
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "realtime unavailable"})
	}
	defer s.registry.Leave(info.SessionID)

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.log.WithField("session", info.SessionID)
	logger.Debug("realtime session opened")
	if err := realtime.Serve(c.Request().Context(), c.Response(), flusher.Flush, sess, s.opts.Heartbeat); err != nil {
		logger.WithError(err).Debug("realtime stream write failed")
	}
	logger.WithField("dropped", sess.Dropped()).Debug("realtime session closed")
	return nil
}

func (s *server) requireSession(c echo.Context) (string, error) {
	id := s.sessionID(c)
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid session token")
	}
	return id, nil
}

// joinBoard adds the caller's session to a board's room. Joining is additive.
func (s *server) joinBoard(c echo.Context) error {
	sessionID, err := s.requireSession(c)
	if err != nil {
		return s.writeError(c, err)
	}
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return s.writeError(c, err)
	}
	if req.BoardID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "boardId is required"})
	}
	if _, err := s.svc.GetBoard(c.Request().Context(), req.BoardID); err != nil {
		return s.writeError(c, err)
	}
	if err := s.registry.Join(sessionID, req.BoardID); err != nil {
		if errors.Is(err, realtime.ErrUnknownSession) {
			return c.JSON(http.StatusGone, errorResponse{Message: "session closed"})
		}
		return s.writeError(c, err)
	}
	s.log.WithField("session", sessionID).WithField("boardId", req.BoardID).Debug("joined board")
	return c.NoContent(http.StatusNoContent)
}

// emit relays a client event to the other members of the room without
// touching the store.
func (s *server) emit(c echo.Context) error {
	sessionID, err := s.requireSession(c)
	if err != nil {
		return s.writeError(c, err)
	}
	var body relayBody
	if err := c.Bind(&body); err != nil {
		return s.writeError(c, err)
	}
	ev, err := body.event(c.Param("event"))
	if err != nil {
		return s.writeError(c, err)
	}
	if err := s.bus.Relay(c.Request().Context(), sessionID, ev); err != nil {
		if errors.Is(err, realtime.ErrNotJoined) {
			return c.JSON(http.StatusForbidden, errorResponse{Message: "join the board before emitting"})
		}
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}
