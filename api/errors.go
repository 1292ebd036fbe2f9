package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
	"kanban-api/service"
)

type errorResponse struct {
	Message string `json:"message"`
}

func classify(err error) (int, string) {
	var httpErr *echo.HTTPError
	var notFound *domain.NotFoundError
	var storageErr *service.StorageError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, fmt.Sprint(httpErr.Message)
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &storageErr):
		return http.StatusServiceUnavailable, "storage unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func errorStage(err error) string {
	var httpErr *echo.HTTPError
	var storageErr *service.StorageError
	switch {
	case errors.As(err, &httpErr):
		return "decode"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.As(err, &storageErr):
		return "storage"
	default:
		return "internal"
	}
}

// writeError maps err to a status code and a {"message"} body.
func (s *server) writeError(c echo.Context, err error) error {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.WithFields(log.Fields{
			"method": c.Request().Method,
			"route":  c.Path(),
			"status": status,
		}).Error(err)
	}
	return c.JSON(status, errorResponse{Message: msg})
}

func (s *server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if werr := s.writeError(c, err); werr != nil {
		s.log.WithError(werr).Warn("unable to write error response")
	}
}
