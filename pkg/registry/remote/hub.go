package remote

import (
	"context"

	"github.com/ocifetch/ocifetch/pkg/registry/name"
)

// Hub hands out registry clients per configured source, all sharing one
// authenticating client and its caches.
type Hub struct {
	table  *name.Table
	client *Client
}

// NewHub builds a hub over the source table. A nil client gets a fresh
// anonymous one.
func NewHub(table *name.Table, client *Client) *Hub {
	if client == nil {
		client = NewClient(nil)
	}
	return &Hub{table: table, client: client}
}

// Registry returns a client for the named source. Unknown sources are an
// InvalidArgument error.
func (h *Hub) Registry(source string) (*Registry, error) {
	src, err := h.table.Get(source)
	if err != nil {
		return nil, err
	}
	return NewRegistry(src, h.client), nil
}

// InvalidateToken drops the cached bearer token for the named source so
// the next request performs a fresh exchange.
func (h *Hub) InvalidateToken(ctx context.Context, source string) {
	src, err := h.table.Get(source)
	if err != nil {
		return
	}
	h.client.InvalidateToken(ctx, src.Host)
}
