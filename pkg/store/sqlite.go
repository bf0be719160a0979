package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a RowStore backed by a pure-Go SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS objects (
			id                  TEXT PRIMARY KEY,
			related_object_type TEXT NOT NULL,
			owner_tenant_id     TEXT NOT NULL DEFAULT '',
			data                TEXT NOT NULL DEFAULT '{}',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS objects_type_owner ON objects (related_object_type, owner_tenant_id);
	`)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, row Row) (Row, error) {
	if err := validate(row); err != nil {
		return Row{}, err
	}
	now := s.now().UTC()
	row.CreatedAt, row.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (id, related_object_type, owner_tenant_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		row.ID, row.RelatedObjectType, row.OwnerTenantID, dataText(row.Data),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return Row{}, fmt.Errorf("store: insert %s: %w", row.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Row{}, fmt.Errorf("%w: %s", ErrConflict, row.ID)
	}
	return row, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Row, error) {
	r := s.db.QueryRowContext(ctx, `
		SELECT id, related_object_type, owner_tenant_id, data, created_at, updated_at
		FROM objects WHERE id = ?`, id)
	row, err := scanRow(r)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Row{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return row, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Row, error) {
	query := `SELECT id, related_object_type, owner_tenant_id, data, created_at, updated_at FROM objects`
	var (
		where []string
		args  []any
	)
	if filter.RelatedObjectType != "" {
		where = append(where, "related_object_type = ?")
		args = append(args, filter.RelatedObjectType)
	}
	if filter.OwnerTenantID != "" {
		where = append(where, "owner_tenant_id = ?")
		args = append(args, filter.OwnerTenantID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, row Row) (Row, error) {
	if err := validate(row); err != nil {
		return Row{}, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE objects SET related_object_type = ?, owner_tenant_id = ?, data = ?, updated_at = ?
		WHERE id = ?`,
		row.RelatedObjectType, row.OwnerTenantID, dataText(row.Data), now.Format(timeLayout), row.ID)
	if err != nil {
		return Row{}, fmt.Errorf("store: update %s: %w", row.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, row.ID)
	}
	return s.Get(ctx, row.ID)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		row              Row
		data             string
		created, updated string
	)
	if err := sc.Scan(&row.ID, &row.RelatedObjectType, &row.OwnerTenantID, &data, &created, &updated); err != nil {
		return Row{}, err
	}
	row.Data = []byte(data)
	var err error
	if row.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Row{}, err
	}
	if row.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return Row{}, err
	}
	return row, nil
}

func dataText(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

var _ RowStore = (*SQLiteStore)(nil)
