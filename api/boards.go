package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type titleRequest struct {
	Title string `json:"title"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func decode(c echo.Context, m *mutationMetrics, v any) error {
	start := time.Now()
	err := c.Bind(v)
	m.ObserveDecode(time.Since(start))
	return err
}

func encode(c echo.Context, m *mutationMetrics, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func (s *server) listBoards(c echo.Context) error {
	boards, err := s.svc.ListBoards(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, boards)
}

func (s *server) getBoard(c echo.Context) error {
	b, err := s.svc.GetBoard(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (s *server) createBoard(c echo.Context, m *mutationMetrics) error {
	var req titleRequest
	if err := decode(c, m, &req); err != nil {
		return err
	}
	return s.idempotent(c, m, "boards", func(ctx context.Context) (any, error) {
		start := time.Now()
		b, err := s.svc.CreateBoard(ctx, req.Title)
		m.ObservePersist(time.Since(start))
		if err != nil {
			return nil, err
		}
		m.SetBoardID(b.ID)
		return b, nil
	})
}

func (s *server) renameBoard(c echo.Context, m *mutationMetrics) error {
	id := c.Param("id")
	m.SetBoardID(id)
	var req titleRequest
	if err := decode(c, m, &req); err != nil {
		return err
	}
	start := time.Now()
	b, err := s.svc.RenameBoard(c.Request().Context(), id, req.Title)
	m.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	return encode(c, m, http.StatusOK, b)
}

func (s *server) deleteBoard(c echo.Context, m *mutationMetrics) error {
	id := c.Param("id")
	m.SetBoardID(id)
	start := time.Now()
	err := s.svc.DeleteBoard(c.Request().Context(), id)
	m.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	return encode(c, m, http.StatusOK, messageResponse{Message: "Board deleted"})
}

func (s *server) addColumn(c echo.Context, m *mutationMetrics) error {
	id := c.Param("id")
	m.SetBoardID(id)
	var req nameRequest
	if err := decode(c, m, &req); err != nil {
		return err
	}
	start := time.Now()
	b, err := s.svc.AddColumn(c.Request().Context(), id, req.Name, s.sessionID(c))
	m.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	return encode(c, m, http.StatusCreated, b)
}

func (s *server) renameColumn(c echo.Context, m *mutationMetrics) error {
	id := c.Param("id")
	m.SetBoardID(id)
	var req nameRequest
	if err := decode(c, m, &req); err != nil {
		return err
	}
	start := time.Now()
	b, err := s.svc.RenameColumn(c.Request().Context(), id, c.Param("columnId"), req.Name, s.sessionID(c))
	m.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	return encode(c, m, http.StatusOK, b)
}

func (s *server) deleteColumn(c echo.Context, m *mutationMetrics) error {
	id := c.Param("id")
	m.SetBoardID(id)
	start := time.Now()
	b, err := s.svc.DeleteColumn(c.Request().Context(), id, c.Param("columnId"), s.sessionID(c))
	m.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	return encode(c, m, http.StatusOK, b)
}
