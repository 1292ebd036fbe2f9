package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

// SessionHeader must match the server's header for realtime tokens.
const SessionHeader = "X-Session-Token"

// StatusError is an unexpected HTTP status from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client wraps http.Client with helpers for the board and task routes.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a new Client. The http client must not set a timeout when it is
// also used for the event stream.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: hc}
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(SessionHeader, token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

// statusError maps error statuses back to the domain sentinels.
func statusError(code int, body []byte) error {
	var msg struct {
		Message string `json:"message"`
	}
	_ = sonic.Unmarshal(body, &msg)
	if msg.Message == "" {
		msg.Message = strings.TrimSpace(string(body))
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg.Message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrValidation, msg.Message)
	default:
		return &StatusError{Code: code, Message: msg.Message}
	}
}

func (c *Client) ListBoards(ctx context.Context) ([]domain.BoardSummary, error) {
	var out []domain.BoardSummary
	err := c.do(ctx, http.MethodGet, "/api/boards", "", nil, &out)
	return out, err
}

func (c *Client) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	var out domain.Board
	err := c.do(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(id), "", nil, &out)
	return out, err
}

func (c *Client) CreateBoard(ctx context.Context, title string) (domain.Board, error) {
	var out domain.Board
	err := c.do(ctx, http.MethodPost, "/api/boards", "", map[string]string{"title": title}, &out)
	return out, err
}

func (c *Client) AddColumn(ctx context.Context, boardID, name, token string) (domain.Board, error) {
	var out domain.Board
	err := c.do(ctx, http.MethodPost, "/api/boards/"+url.PathEscape(boardID)+"/columns", token, map[string]string{"name": name}, &out)
	return out, err
}

func (c *Client) DeleteColumn(ctx context.Context, boardID, columnID, token string) (domain.Board, error) {
	var out domain.Board
	err := c.do(ctx, http.MethodDelete, "/api/boards/"+url.PathEscape(boardID)+"/columns/"+url.PathEscape(columnID), token, nil, &out)
	return out, err
}

func (c *Client) DeleteBoard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/boards/"+url.PathEscape(id), "", nil, nil)
}

func (c *Client) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	var out []domain.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(boardID), "", nil, &out)
	return out, err
}

func (c *Client) CreateTask(ctx context.Context, in domain.NewTask, token string) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", token, in, &out)
	return out, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, token string) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), token, patch, &out)
	return out, err
}

func (c *Client) DeleteTask(ctx context.Context, id, token string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), token, nil, nil)
}

// Join adds the realtime session identified by token to the board's room.
func (c *Client) Join(ctx context.Context, token, boardID string) error {
	return c.do(ctx, http.MethodPost, "/api/realtime/join", token, map[string]string{"boardId": boardID}, nil)
}
