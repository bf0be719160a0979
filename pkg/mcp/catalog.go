package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/sandboxchat/pkg/store"
)

// Catalog resolves server definitions.
type Catalog interface {
	Get(ctx context.Context, id string) (ServerDefinition, error)
	List(ctx context.Context) ([]ServerDefinition, error)
}

// StoreCatalog keeps server definitions in the generic row store.
type StoreCatalog struct {
	rows store.RowStore
}

func NewStoreCatalog(rows store.RowStore) *StoreCatalog {
	return &StoreCatalog{rows: rows}
}

// Put inserts or replaces a definition.
func (c *StoreCatalog) Put(ctx context.Context, def ServerDefinition) (ServerDefinition, error) {
	def.ID = strings.TrimSpace(def.ID)
	if def.Name == "" {
		def.Name = def.ID
	}
	if err := def.validate(); err != nil {
		return ServerDefinition{}, err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return ServerDefinition{}, fmt.Errorf("mcp: encode definition: %w", err)
	}
	row := store.Row{ID: def.ID, RelatedObjectType: ObjectTypeServerDefinition, Data: data}
	if _, err := c.rows.Update(ctx, row); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return ServerDefinition{}, err
		}
		if _, err := c.rows.Insert(ctx, row); err != nil {
			return ServerDefinition{}, err
		}
	}
	return def, nil
}

func (c *StoreCatalog) Get(ctx context.Context, id string) (ServerDefinition, error) {
	row, err := c.rows.Get(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) {
		return ServerDefinition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	if err != nil {
		return ServerDefinition{}, err
	}
	if row.RelatedObjectType != ObjectTypeServerDefinition {
		return ServerDefinition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return store.Decode[ServerDefinition](row)
}

func (c *StoreCatalog) List(ctx context.Context) ([]ServerDefinition, error) {
	rows, err := c.rows.List(ctx, store.Filter{RelatedObjectType: ObjectTypeServerDefinition})
	if err != nil {
		return nil, err
	}
	out := make([]ServerDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := store.Decode[ServerDefinition](row)
		if err != nil {
			return nil, fmt.Errorf("mcp: decode definition %s: %w", row.ID, err)
		}
		out = append(out, def)
	}
	return out, nil
}
