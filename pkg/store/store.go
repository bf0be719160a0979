// Package store persists generic rows keyed by ID and discriminated by
// related object type and owning tenant.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no row has the requested ID.
	ErrNotFound = errors.New("store: row not found")
	// ErrConflict is returned when inserting an ID that already exists.
	ErrConflict = errors.New("store: row already exists")
	// ErrInvalidRow is returned for rows missing an ID or type.
	ErrInvalidRow = errors.New("store: invalid row")
)

// Row is one record of the generic objects table.
type Row struct {
	ID                string
	RelatedObjectType string
	OwnerTenantID     string
	Data              json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	RelatedObjectType string
	OwnerTenantID     string
}

func (f Filter) matches(r Row) bool {
	if f.RelatedObjectType != "" && f.RelatedObjectType != r.RelatedObjectType {
		return false
	}
	if f.OwnerTenantID != "" && f.OwnerTenantID != r.OwnerTenantID {
		return false
	}
	return true
}

// RowStore is the CRUD surface consumed by the connection manager.
//
// Contract:
//   - Get returns ErrNotFound for unknown IDs.
//   - Update replaces Data (and owner) of an existing row and bumps UpdatedAt.
//   - List returns rows ordered by creation time, then ID.
//   - Implementations are safe for concurrent use.
type RowStore interface {
	Insert(ctx context.Context, row Row) (Row, error)
	Get(ctx context.Context, id string) (Row, error)
	List(ctx context.Context, filter Filter) ([]Row, error)
	Update(ctx context.Context, row Row) (Row, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func validate(row Row) error {
	if strings.TrimSpace(row.ID) == "" {
		return errors.Join(ErrInvalidRow, errors.New("id is required"))
	}
	if strings.TrimSpace(row.RelatedObjectType) == "" {
		return errors.Join(ErrInvalidRow, errors.New("related object type is required"))
	}
	if len(row.Data) > 0 && !json.Valid(row.Data) {
		return errors.Join(ErrInvalidRow, errors.New("data is not valid JSON"))
	}
	return nil
}

// Decode unmarshals a row's data into v.
func Decode[T any](row Row) (T, error) {
	var v T
	if len(row.Data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(row.Data, &v)
	return v, err
}
