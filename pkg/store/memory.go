package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process RowStore.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row), now: time.Now}
}

func (s *MemoryStore) Insert(_ context.Context, row Row) (Row, error) {
	if err := validate(row); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[row.ID]; ok {
		return Row{}, fmt.Errorf("%w: %s", ErrConflict, row.ID)
	}
	now := s.now().UTC()
	row.CreatedAt, row.UpdatedAt = now, now
	row.Data = cloneBytes(row.Data)
	s.rows[row.ID] = row
	return copyRow(row), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRow(row), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Row, error) {
	s.mu.RLock()
	out := make([]Row, 0, len(s.rows))
	for _, row := range s.rows {
		if filter.matches(row) {
			out = append(out, copyRow(row))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, row Row) (Row, error) {
	if err := validate(row); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[row.ID]
	if !ok {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, row.ID)
	}
	existing.OwnerTenantID = row.OwnerTenantID
	existing.RelatedObjectType = row.RelatedObjectType
	existing.Data = cloneBytes(row.Data)
	existing.UpdatedAt = s.now().UTC()
	s.rows[row.ID] = existing
	return copyRow(existing), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.rows, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func copyRow(r Row) Row {
	r.Data = cloneBytes(r.Data)
	return r
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

var _ RowStore = (*MemoryStore)(nil)
