package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]RowStore {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "rows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]RowStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestRowStoreCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row, err := s.Insert(ctx, Row{ID: "c1", RelatedObjectType: "mcp_connection", OwnerTenantID: "t1", Data: json.RawMessage(`{"status":"pending"}`)})
			require.NoError(t, err)
			require.False(t, row.CreatedAt.IsZero())

			_, err = s.Insert(ctx, Row{ID: "c1", RelatedObjectType: "mcp_connection"})
			require.ErrorIs(t, err, ErrConflict)

			got, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			require.JSONEq(t, `{"status":"pending"}`, string(got.Data))
			require.Equal(t, "t1", got.OwnerTenantID)

			got.Data = json.RawMessage(`{"status":"running"}`)
			updated, err := s.Update(ctx, got)
			require.NoError(t, err)
			require.JSONEq(t, `{"status":"running"}`, string(updated.Data))
			require.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

			require.NoError(t, s.Delete(ctx, "c1"))
			_, err = s.Get(ctx, "c1")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.Delete(ctx, "c1"), ErrNotFound)
			_, err = s.Update(ctx, got)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRowStoreListFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []Row{
				{ID: "a", RelatedObjectType: "mcp_connection", OwnerTenantID: "t1"},
				{ID: "b", RelatedObjectType: "mcp_connection", OwnerTenantID: "t2"},
				{ID: "c", RelatedObjectType: "mcp_server", OwnerTenantID: ""},
				{ID: "d", RelatedObjectType: "mcp_connection", OwnerTenantID: "t1"},
			}
			for _, r := range seed {
				_, err := s.Insert(ctx, r)
				require.NoError(t, err)
			}

			rows, err := s.List(ctx, Filter{RelatedObjectType: "mcp_connection", OwnerTenantID: "t1"})
			require.NoError(t, err)
			require.Equal(t, []string{"a", "d"}, ids(rows))

			rows, err = s.List(ctx, Filter{RelatedObjectType: "mcp_server"})
			require.NoError(t, err)
			require.Equal(t, []string{"c"}, ids(rows))

			rows, err = s.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, rows, 4)
		})
	}
}

func TestRowStoreValidation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Insert(context.Background(), Row{RelatedObjectType: "x"})
			require.ErrorIs(t, err, ErrInvalidRow)
			_, err = s.Insert(context.Background(), Row{ID: "x"})
			require.ErrorIs(t, err, ErrInvalidRow)
			_, err = s.Insert(context.Background(), Row{ID: "x", RelatedObjectType: "x", Data: json.RawMessage(`{`)})
			require.ErrorIs(t, err, ErrInvalidRow)
		})
	}
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := s.Insert(ctx, Row{ID: string(rune('a' + i)), RelatedObjectType: "x"})
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Update(ctx, Row{ID: string(rune('a' + i)), RelatedObjectType: "x", Data: json.RawMessage(`{"n":1}`)}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	rows, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 20)
}

func TestDecode(t *testing.T) {
	type payload struct {
		Status string `json:"status"`
	}
	v, err := Decode[payload](Row{Data: json.RawMessage(`{"status":"ok"}`)})
	require.NoError(t, err)
	require.Equal(t, "ok", v.Status)

	v, err = Decode[payload](Row{})
	require.NoError(t, err)
	require.Empty(t, v.Status)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	s.now = func() time.Time { return time.Unix(100, 0) }
	ctx := context.Background()
	_, err := s.Insert(ctx, Row{ID: "a", RelatedObjectType: "x", Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Data[2] = 'b'
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(again.Data))
	require.Equal(t, time.Unix(100, 0).UTC(), again.CreatedAt)
}

func ids(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
