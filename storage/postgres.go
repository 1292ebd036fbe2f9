package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kanban-api/domain"
)

// Postgres stores boards, columns and tasks in PostgreSQL through the pgx
// database/sql driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using the pgx driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// Migrate creates the schema if it does not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) ListBoards(ctx context.Context) ([]domain.Board, error) {
	rows, err := s.db.QueryContext(ctx, `select id, title, created_at from boards order by seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	boards := []domain.Board{}
	index := map[string]int{}
	for rows.Next() {
		b := domain.Board{Columns: []domain.Column{}}
		if err := rows.Scan(&b.ID, &b.Title, &b.CreatedAt); err != nil {
			return nil, err
		}
		index[b.ID] = len(boards)
		boards = append(boards, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	colRows, err := s.db.QueryContext(ctx, `select id, board_id, name from board_columns order by pos`)
	if err != nil {
		return nil, err
	}
	defer colRows.Close()
	for colRows.Next() {
		var c domain.Column
		var boardID string
		if err := colRows.Scan(&c.ID, &boardID, &c.Name); err != nil {
			return nil, err
		}
		if i, ok := index[boardID]; ok {
			boards[i].Columns = append(boards[i].Columns, c)
		}
	}
	return boards, colRows.Err()
}

func (s *Postgres) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	return getBoard(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getBoard(ctx context.Context, q queryer, id string) (domain.Board, error) {
	b := domain.Board{Columns: []domain.Column{}}
	err := q.QueryRowContext(ctx, `select id, title, created_at from boards where id=$1`, id).
		Scan(&b.ID, &b.Title, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Board{}, domain.BoardNotFound(id)
	}
	if err != nil {
		return domain.Board{}, err
	}
	rows, err := q.QueryContext(ctx, `select id, name from board_columns where board_id=$1 order by pos`, id)
	if err != nil {
		return domain.Board{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Column
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return domain.Board{}, err
		}
		b.Columns = append(b.Columns, c)
	}
	return b, rows.Err()
}

func (s *Postgres) InsertBoard(ctx context.Context, b domain.Board) (domain.Board, error) {
	b = b.Clone()
	b.ID = newID()
	if b.Columns == nil {
		b.Columns = []domain.Column{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Board{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `insert into boards(id, title, created_at) values($1,$2,$3)`, b.ID, b.Title, b.CreatedAt); err != nil {
		return domain.Board{}, err
	}
	for i := range b.Columns {
		if b.Columns[i].ID == "" {
			b.Columns[i].ID = newID()
		}
		if _, err := tx.ExecContext(ctx, `insert into board_columns(id, board_id, name) values($1,$2,$3)`,
			b.Columns[i].ID, b.ID, b.Columns[i].Name); err != nil {
			return domain.Board{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func (s *Postgres) RenameBoard(ctx context.Context, id, title string) (domain.Board, error) {
	res, err := s.db.ExecContext(ctx, `update boards set title=$1 where id=$2`, title, id)
	if err != nil {
		return domain.Board{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Board{}, domain.BoardNotFound(id)
	}
	return s.GetBoard(ctx, id)
}

func (s *Postgres) DeleteBoard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from boards where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.BoardNotFound(id)
	}
	return nil
}

func (s *Postgres) AddColumn(ctx context.Context, boardID, name string) (domain.Board, domain.Column, error) {
	col := domain.Column{ID: newID(), Name: name}
	_, err := s.db.ExecContext(ctx,
		`insert into board_columns(id, board_id, name) select $1, id, $3 from boards where id=$2`,
		col.ID, boardID, name)
	if err != nil {
		return domain.Board{}, domain.Column{}, err
	}
	b, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, domain.Column{}, err
	}
	if !b.HasColumn(col.ID) {
		return domain.Board{}, domain.Column{}, domain.BoardNotFound(boardID)
	}
	return b, col, nil
}

func (s *Postgres) RenameColumn(ctx context.Context, boardID, columnID, name string) (domain.Board, error) {
	return s.columnChange(ctx, boardID, columnID,
		`update board_columns set name=$3 where board_id=$1 and id=$2`, name)
}

func (s *Postgres) RemoveColumn(ctx context.Context, boardID, columnID string) (domain.Board, error) {
	return s.columnChange(ctx, boardID, columnID,
		`delete from board_columns where board_id=$1 and id=$2`)
}

func (s *Postgres) columnChange(ctx context.Context, boardID, columnID, stmt string, args ...any) (domain.Board, error) {
	res, err := s.db.ExecContext(ctx, stmt, append([]any{boardID, columnID}, args...)...)
	if err != nil {
		return domain.Board{}, err
	}
	n, _ := res.RowsAffected()
	b, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	if n == 0 {
		return domain.Board{}, domain.ColumnNotFound(columnID)
	}
	return b, nil
}

const taskColumns = `id, board_id, column_id, title, descriptions, priority, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var descs []byte
	var priority string
	if err := row.Scan(&t.ID, &t.BoardID, &t.ColumnID, &t.Title, &descs, &priority, &t.CreatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	t.Descriptions = []domain.Description{}
	if len(descs) > 0 {
		if err := sonic.Unmarshal(descs, &t.Descriptions); err != nil {
			return domain.Task{}, fmt.Errorf("decode descriptions of %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *Postgres) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Postgres) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, `select `+taskColumns+` from tasks where board_id=$1 order by seq`, boardID)
}

func (s *Postgres) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `select `+taskColumns+` from tasks where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.TaskNotFound(id)
	}
	return t, err
}

func encodeDescriptions(descs []domain.Description) (string, error) {
	if descs == nil {
		descs = []domain.Description{}
	}
	return sonic.MarshalString(descs)
}

func (s *Postgres) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t = t.Clone()
	t.ID = newID()
	descs, err := encodeDescriptions(t.Descriptions)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into tasks(id, board_id, column_id, title, descriptions, priority, created_at) values($1,$2,$3,$4,$5::jsonb,$6,$7)`,
		t.ID, t.BoardID, t.ColumnID, t.Title, descs, string(t.Priority), t.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Descriptions == nil {
		t.Descriptions = []domain.Description{}
	}
	return t, nil
}

func (s *Postgres) ReplaceTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	descs, err := encodeDescriptions(t.Descriptions)
	if err != nil {
		return domain.Task{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`update tasks set column_id=$2, title=$3, descriptions=$4::jsonb, priority=$5 where id=$1`,
		t.ID, t.ColumnID, t.Title, descs, string(t.Priority))
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, domain.TaskNotFound(t.ID)
	}
	return t.Clone(), nil
}

func (s *Postgres) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `delete from tasks where id=$1 returning `+taskColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.TaskNotFound(id)
	}
	return t, err
}

func (s *Postgres) DeleteTasksByColumn(ctx context.Context, boardID, columnID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, `delete from tasks where board_id=$1 and column_id=$2 returning `+taskColumns, boardID, columnID)
}

func (s *Postgres) DeleteTasksByBoard(ctx context.Context, boardID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, `delete from tasks where board_id=$1 returning `+taskColumns, boardID)
}

const schema = `
create table if not exists boards(
  id text primary key,
  title text not null,
  created_at timestamptz not null default now(),
  seq bigserial
);

create table if not exists board_columns(
  id text primary key,
  board_id text not null references boards(id) on delete cascade,
  name text not null,
  pos bigserial
);
create index if not exists board_columns_board_idx on board_columns(board_id, pos);

create table if not exists tasks(
  id text primary key,
  board_id text not null,
  column_id text not null,
  title text not null,
  descriptions jsonb not null default '[]'::jsonb,
  priority text not null default 'Low',
  created_at timestamptz not null default now(),
  seq bigserial
);
create index if not exists tasks_board_idx on tasks(board_id, seq);
`
