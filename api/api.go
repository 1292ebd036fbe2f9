package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/blob"
	"kanban-api/domain"
	"kanban-api/realtime"
)

// SessionHeader carries the caller's realtime token on mutations, join and emit.
const SessionHeader = "X-Session-Token"

// Service abstracts the mutation pipeline for handlers.
type Service interface {
	ListBoards(ctx context.Context) ([]domain.BoardSummary, error)
	GetBoard(ctx context.Context, id string) (domain.Board, error)
	CreateBoard(ctx context.Context, title string) (domain.Board, error)
	RenameBoard(ctx context.Context, id, title string) (domain.Board, error)
	DeleteBoard(ctx context.Context, id string) error
	AddColumn(ctx context.Context, boardID, name, exclude string) (domain.Board, error)
	RenameColumn(ctx context.Context, boardID, columnID, name, exclude string) (domain.Board, error)
	DeleteColumn(ctx context.Context, boardID, columnID, exclude string) (domain.Board, error)
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, in domain.NewTask, exclude string) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, exclude string) (domain.Task, error)
	DeleteTask(ctx context.Context, id, exclude string) error
}

// Options tune the HTTP surface.
type Options struct {
	// PublicBaseURL prefixes upload URLs. When empty the request's scheme and host are used.
	PublicBaseURL  string
	MaxUploadBytes int64
	Heartbeat      time.Duration
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Service  Service
	Blobs    blob.Store
	Registry *realtime.Registry
	Bus      *realtime.Bus
	Tokens   *realtime.Tokens
	Options  Options

	// Idempotency may be nil, in which case Idempotency-Key is ignored.
	Idempotency Deduper
}

type server struct {
	svc      Service
	blobs    blob.Store
	registry *realtime.Registry
	bus      *realtime.Bus
	tokens   *realtime.Tokens
	dedupe   Deduper
	opts     Options
	log      *log.Logger
	now      func() time.Time
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps, logger *log.Logger) {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if d.Options.MaxUploadBytes <= 0 {
		d.Options.MaxUploadBytes = 10 << 20
	}
	s := &server{
		svc:      d.Service,
		blobs:    d.Blobs,
		registry: d.Registry,
		bus:      d.Bus,
		tokens:   d.Tokens,
		dedupe:   d.Idempotency,
		opts:     d.Options,
		log:      logger,
		now:      time.Now,
	}

	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = s.httpErrorHandler

	e.GET("/api/boards", s.listBoards)
	e.GET("/api/boards/:id", s.getBoard)
	e.POST("/api/boards", s.mutation("/api/boards", s.createBoard))
	e.PUT("/api/boards/:id", s.mutation("/api/boards/:id", s.renameBoard))
	e.DELETE("/api/boards/:id", s.mutation("/api/boards/:id", s.deleteBoard))
	e.POST("/api/boards/:id/columns", s.mutation("/api/boards/:id/columns", s.addColumn))
	e.PUT("/api/boards/:id/columns/:columnId", s.mutation("/api/boards/:id/columns/:columnId", s.renameColumn))
	e.DELETE("/api/boards/:id/columns/:columnId", s.mutation("/api/boards/:id/columns/:columnId", s.deleteColumn))

	e.GET("/api/tasks/:boardId", s.listTasks)
	e.POST("/api/tasks", s.mutation("/api/tasks", s.createTask))
	e.PUT("/api/tasks/:id", s.mutation("/api/tasks/:id", s.updateTask))
	e.DELETE("/api/tasks/:id", s.mutation("/api/tasks/:id", s.deleteTask))

	e.POST("/api/upload", s.uploadImage)
	e.POST("/api/upload/voice", s.uploadVoice)
	e.GET("/api/uploads/:filename", s.serveUpload)
	e.GET("/api/uploads/voice-notes/:filename", s.serveUpload)
	e.DELETE("/api/uploads/:filename", s.deleteUpload)

	e.GET("/api/realtime", s.streamRealtime)
	e.POST("/api/realtime/join", s.joinBoard)
	e.POST("/api/realtime/emit/:event", s.emit)

	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// sessionID resolves the caller's realtime session, or "" when no valid token
// was sent.
func (s *server) sessionID(c echo.Context) string {
	token := c.Request().Header.Get(SessionHeader)
	if token == "" {
		token = c.QueryParam("token")
	}
	if token == "" || s.tokens == nil {
		return ""
	}
	id, err := s.tokens.SessionID(token)
	if err != nil {
		s.log.WithError(err).Debug("ignoring invalid session token")
		return ""
	}
	return id
}
