package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"kanban-api/domain"
)

// tableClient is the subset of *aztables.Client used by Tables.
type tableClient interface {
	NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey, rowKey string, opts *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, opts *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, opts *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// maxBoardConflicts bounds the optimistic retry loop for column edits.
const maxBoardConflicts = 5

// Tables stores boards and tasks in Azure Table Storage.
type Tables struct {
	boards tableClient
	tasks  tableClient
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, boardsTable, tasksTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{boards: svc.NewClient(boardsTable), tasks: svc.NewClient(tasksTable)}, nil
}

func (s *Tables) ListBoards(ctx context.Context) ([]domain.Board, error) {
	filter := "PartitionKey eq " + odataString(boardPartition)
	boards := []domain.Board{}
	err := listEntities(ctx, s.boards, filter, func(data []byte) error {
		b, err := decodeBoard(data)
		if err != nil {
			return err
		}
		boards = append(boards, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(boards, func(i, j int) bool {
		if boards[i].CreatedAt.Equal(boards[j].CreatedAt) {
			return boards[i].ID < boards[j].ID
		}
		return boards[i].CreatedAt.Before(boards[j].CreatedAt)
	})
	return boards, nil
}

func (s *Tables) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	b, _, err := s.getBoard(ctx, id)
	return b, err
}

func (s *Tables) getBoard(ctx context.Context, id string) (domain.Board, azcore.ETag, error) {
	resp, err := s.boards.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Board{}, "", domain.BoardNotFound(id)
		}
		return domain.Board{}, "", err
	}
	b, err := decodeBoard(resp.Value)
	if err != nil {
		return domain.Board{}, "", err
	}
	return b, resp.ETag, nil
}

func (s *Tables) InsertBoard(ctx context.Context, b domain.Board) (domain.Board, error) {
	b = b.Clone()
	b.ID = newID()
	for i := range b.Columns {
		if b.Columns[i].ID == "" {
			b.Columns[i].ID = newID()
		}
	}
	if b.Columns == nil {
		b.Columns = []domain.Column{}
	}
	payload, err := encodeBoard(b)
	if err != nil {
		return domain.Board{}, err
	}
	if _, err := s.boards.AddEntity(ctx, payload, nil); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func (s *Tables) RenameBoard(ctx context.Context, id, title string) (domain.Board, error) {
	return s.updateBoard(ctx, id, func(b *domain.Board) error {
		b.Title = title
		return nil
	})
}

func (s *Tables) DeleteBoard(ctx context.Context, id string) error {
	if _, err := s.boards.DeleteEntity(ctx, boardPartition, id, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.BoardNotFound(id)
		}
		return err
	}
	return nil
}

func (s *Tables) AddColumn(ctx context.Context, boardID, name string) (domain.Board, domain.Column, error) {
	col := domain.Column{ID: newID(), Name: name}
	b, err := s.updateBoard(ctx, boardID, func(b *domain.Board) error {
		b.Columns = append(b.Columns, col)
		return nil
	})
	if err != nil {
		return domain.Board{}, domain.Column{}, err
	}
	return b, col, nil
}

func (s *Tables) RenameColumn(ctx context.Context, boardID, columnID, name string) (domain.Board, error) {
	return s.updateBoard(ctx, boardID, func(b *domain.Board) error {
		return renameColumn(b, columnID, name)
	})
}

func (s *Tables) RemoveColumn(ctx context.Context, boardID, columnID string) (domain.Board, error) {
	return s.updateBoard(ctx, boardID, func(b *domain.Board) error {
		return removeColumn(b, columnID)
	})
}

// updateBoard applies fn to the stored board and replaces the row if its ETag is
// unchanged, re-reading on conflict so concurrent column edits are not lost.
func (s *Tables) updateBoard(ctx context.Context, id string, fn func(*domain.Board) error) (domain.Board, error) {
	for attempt := 0; ; attempt++ {
		b, etag, err := s.getBoard(ctx, id)
		if err != nil {
			return domain.Board{}, err
		}
		if err := fn(&b); err != nil {
			return domain.Board{}, err
		}
		payload, err := encodeBoard(b)
		if err != nil {
			return domain.Board{}, err
		}
		_, err = s.boards.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case err == nil:
			return b, nil
		case isStatus(err, http.StatusPreconditionFailed) && attempt+1 < maxBoardConflicts:
			continue
		case isStatus(err, http.StatusNotFound):
			return domain.Board{}, domain.BoardNotFound(id)
		default:
			return domain.Board{}, err
		}
	}
}

func (s *Tables) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, "PartitionKey eq "+odataString(boardID))
}

func (s *Tables) queryTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	tasks := []domain.Task{}
	err := listEntities(ctx, s.tasks, filter, func(data []byte) error {
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// GetTask looks a task up by id alone; the caller does not know its board.
func (s *Tables) GetTask(ctx context.Context, id string) (domain.Task, error) {
	tasks, err := s.queryTasks(ctx, "RowKey eq "+odataString(id))
	if err != nil {
		return domain.Task{}, err
	}
	if len(tasks) == 0 {
		return domain.Task{}, domain.TaskNotFound(id)
	}
	return tasks[0], nil
}

func (s *Tables) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t = t.Clone()
	t.ID = newID()
	payload, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.tasks.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ReplaceTask overwrites the whole row. Concurrent writers race and the last
// replace wins.
func (s *Tables) ReplaceTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	payload, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Task{}, domain.TaskNotFound(t.ID)
		}
		return domain.Task{}, err
	}
	return t.Clone(), nil
}

func (s *Tables) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.tasks.DeleteEntity(ctx, t.BoardID, t.ID, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Task{}, domain.TaskNotFound(id)
		}
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Tables) DeleteTasksByColumn(ctx context.Context, boardID, columnID string) ([]domain.Task, error) {
	filter := "PartitionKey eq " + odataString(boardID) + " and ColumnID eq " + odataString(columnID)
	return s.deleteTasks(ctx, filter)
}

func (s *Tables) DeleteTasksByBoard(ctx context.Context, boardID string) ([]domain.Task, error) {
	return s.deleteTasks(ctx, "PartitionKey eq "+odataString(boardID))
}

// deleteTasks removes every matching row. Rows already gone are skipped so a
// concurrent delete of the same task is not an error.
func (s *Tables) deleteTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	tasks, err := s.queryTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	deleted := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, err := s.tasks.DeleteEntity(ctx, t.BoardID, t.ID, nil); err != nil {
			if isStatus(err, http.StatusNotFound) {
				continue
			}
			return deleted, fmt.Errorf("delete task %s: %w", t.ID, err)
		}
		deleted = append(deleted, t)
	}
	return deleted, nil
}

func listEntities(ctx context.Context, client tableClient, filter string, fn func([]byte) error) error {
	pager := client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// odataString quotes v as an OData string literal.
func odataString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
