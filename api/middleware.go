package api

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// RequestLogger logs one entry per request once the handler returned. Errors
// are handed to echo's error handler first so the logged status is final.
func RequestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			entry := logger.WithFields(log.Fields{
				"method": c.Request().Method,
				"path":   c.Path(),
				"status": c.Response().Status,
				"dur_ms": durationToMillis(time.Since(start)),
			})
			if c.Path() == "/healthz" {
				entry.Debug("request")
			} else {
				entry.Info("request")
			}
			return nil
		}
	}
}

// mutation runs fn inside a traced, metered request. Errors returned by fn are
// written with writeError and recorded on the span.
func (s *server) mutation(route string, fn func(echo.Context, *mutationMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := newMutationMetrics(c.Request().Context(), s.log, route)
		c.SetRequest(c.Request().WithContext(ctx))

		err := fn(c, m)
		if err == nil {
			m.Log(c.Response().Status, nil)
			return nil
		}
		if m.errorStage == "" {
			m.SetErrorStage(errorStage(err))
		}
		werr := s.writeError(c, err)
		m.Log(c.Response().Status, err)
		return werr
	}
}
