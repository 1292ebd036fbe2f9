package storage

import (
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const edmDateTime = "Edm.DateTime"

// maxStringProperty is the Table Storage limit for one string property, in
// UTF-16 code units (64 KiB).
const maxStringProperty = 32 * 1024

func checkProperty(name, v string) error {
	if len(v) <= maxStringProperty {
		return nil
	}
	n := 0
	for _, r := range v {
		n += utf16.RuneLen(r)
	}
	if n > maxStringProperty {
		return fmt.Errorf("%w: %s too large to store (%d of %d characters)", domain.ErrValidation, name, n, maxStringProperty)
	}
	return nil
}

// boardPartition holds every board row; boards are few and always listed together.
const boardPartition = "board"

// boardEntity stores a board with its columns serialised into one property, so
// column edits are a single-row replace guarded by the row's ETag.
type boardEntity struct {
	Entity
	Title         string    `json:"Title"`
	Columns       string    `json:"Columns"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type"`
}

// taskEntity is partitioned by board so a board's tasks are one partition scan.
type taskEntity struct {
	Entity
	ColumnID      string    `json:"ColumnID"`
	Title         string    `json:"Title"`
	Descriptions  string    `json:"Descriptions"`
	Priority      string    `json:"Priority"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type"`
}

func encodeBoard(b domain.Board) ([]byte, error) {
	cols := b.Columns
	if cols == nil {
		cols = []domain.Column{}
	}
	colData, err := sonic.Marshal(cols)
	if err != nil {
		return nil, err
	}
	if err := checkProperty("columns", string(colData)); err != nil {
		return nil, err
	}
	if err := checkProperty("title", b.Title); err != nil {
		return nil, err
	}
	return sonic.Marshal(boardEntity{
		Entity:        Entity{PartitionKey: boardPartition, RowKey: b.ID},
		Title:         b.Title,
		Columns:       string(colData),
		CreatedAt:     b.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
	})
}

func decodeBoard(data []byte) (domain.Board, error) {
	var ent boardEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Board{}, err
	}
	cols := []domain.Column{}
	if ent.Columns != "" {
		if err := sonic.UnmarshalString(ent.Columns, &cols); err != nil {
			return domain.Board{}, err
		}
	}
	return domain.Board{ID: ent.RowKey, Title: ent.Title, CreatedAt: ent.CreatedAt, Columns: cols}, nil
}

func encodeTask(t domain.Task) ([]byte, error) {
	descs := t.Descriptions
	if descs == nil {
		descs = []domain.Description{}
	}
	descData, err := sonic.Marshal(descs)
	if err != nil {
		return nil, err
	}
	if err := checkProperty("descriptions", string(descData)); err != nil {
		return nil, err
	}
	if err := checkProperty("title", t.Title); err != nil {
		return nil, err
	}
	return sonic.Marshal(taskEntity{
		Entity:        Entity{PartitionKey: t.BoardID, RowKey: t.ID},
		ColumnID:      t.ColumnID,
		Title:         t.Title,
		Descriptions:  string(descData),
		Priority:      string(t.Priority),
		CreatedAt:     t.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
	})
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	descs := []domain.Description{}
	if ent.Descriptions != "" {
		if err := sonic.UnmarshalString(ent.Descriptions, &descs); err != nil {
			return domain.Task{}, err
		}
	}
	return domain.Task{
		ID:           ent.RowKey,
		BoardID:      ent.PartitionKey,
		ColumnID:     ent.ColumnID,
		Title:        ent.Title,
		Descriptions: descs,
		Priority:     domain.Priority(ent.Priority),
		CreatedAt:    ent.CreatedAt,
	}, nil
}
