package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"kanban-api/domain"
)

func (s *server) listTasks(c echo.Context) error {
	tasks, err := s.svc.ListTasks(c.Request().Context(), c.Param("boardId"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *server) createTask(c echo.Context, m *mutationMetrics) error {
	var in domain.NewTask
	if err := decode(c, m, &in); err != nil {
		return err
	}
	m.SetBoardID(in.BoardID)
	return s.idempotent(c, m, "tasks", func(ctx context.Context) (any, error) {
		start := time.Now()
		t, err := s.svc.CreateTask(ctx, in, s.sessionID(c))
		m.ObservePersist(time.Since(start))
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

func (s *server) updateTask(c echo.Context, m *mutationMetrics) error {
	var patch domain.TaskPatch
	if err := decode(c, m, &patch); err != nil {
		return err
	}
	start := time.Now()
	t, err := s.svc.UpdateTask(c.Request().Context(), c.Param("id"), patch, s.sessionID(c))
	m.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	m.SetBoardID(t.BoardID)
	return encode(c, m, http.StatusOK, t)
}

func (s *server) deleteTask(c echo.Context, m *mutationMetrics) error {
	start := time.Now()
	err := s.svc.DeleteTask(c.Request().Context(), c.Param("id"), s.sessionID(c))
	m.ObservePersist(time.Since(start))
	if err != nil {
		return err
	}
	return encode(c, m, http.StatusOK, messageResponse{Message: "Task deleted"})
}
