package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/memsched/internal/memory"
)

// CubeBuilder assembles a mem-cube backed by the in-memory store.
type CubeBuilder struct {
	t       *testing.T
	id      string
	store   *memory.InMemStore
	items   []memory.Item
	working []string
	edges   []memory.Edge
}

// NewCubeBuilder creates a builder for a cube with the given id.
func NewCubeBuilder(t *testing.T, id string) *CubeBuilder {
	t.Helper()
	return &CubeBuilder{t: t, id: id, store: memory.NewInMemStore()}
}

// ItemOption mutates an item before insertion.
type ItemOption func(*memory.Item)

// WithType sets the item's memory type.
func WithType(mt memory.MemoryType) ItemOption {
	return func(it *memory.Item) { it.Metadata.MemoryType = mt }
}

// WithStatus sets the item's lifecycle status.
func WithStatus(st memory.ItemStatus) ItemOption {
	return func(it *memory.Item) { it.Metadata.Status = st }
}

// WithUser sets the item's user id.
func WithUser(userID string) ItemOption {
	return func(it *memory.Item) { it.Metadata.UserID = userID }
}

// WithTags appends metadata tags.
func WithTags(tags ...string) ItemOption {
	return func(it *memory.Item) { it.Metadata.Tags = append(it.Metadata.Tags, tags...) }
}

// WithItem adds an item with the given id and text. Defaults to an
// activated long-term memory.
func (b *CubeBuilder) WithItem(id, text string, opts ...ItemOption) *CubeBuilder {
	it := memory.Item{
		ID:     id,
		Memory: text,
		Metadata: memory.Metadata{
			MemoryType: memory.LongTermMemory,
			Status:     memory.StatusActivated,
		},
	}
	for _, opt := range opts {
		opt(&it)
	}
	b.items = append(b.items, it)
	return b
}

// WithWorking marks the given item ids as the current working set, in
// order.
func (b *CubeBuilder) WithWorking(ids ...string) *CubeBuilder {
	b.working = append(b.working, ids...)
	return b
}

// WithEdge records a typed edge between two items.
func (b *CubeBuilder) WithEdge(from, to, edgeType string) *CubeBuilder {
	b.edges = append(b.edges, memory.Edge{From: from, To: to, Type: edgeType})
	return b
}

// Build inserts the accumulated state and returns the cube plus its
// backing store for assertions.
func (b *CubeBuilder) Build() (*memory.Cube, *memory.InMemStore) {
	b.t.Helper()

	if len(b.items) > 0 {
		_, err := b.store.Add(context.Background(), b.items)
		require.NoError(b.t, err)
	}
	if len(b.working) > 0 {
		working := make([]memory.Item, 0, len(b.working))
		for _, id := range b.working {
			it, err := b.store.Get(context.Background(), id)
			require.NoError(b.t, err)
			working = append(working, it)
		}
		require.NoError(b.t, b.store.ReplaceWorkingMemory(context.Background(), working))
	}
	for _, e := range b.edges {
		b.store.AddEdge(e)
	}

	cube := &memory.Cube{
		ID:            b.id,
		TextMem:       b.store,
		GraphStore:    b.store,
		MemoryManager: b.store,
		ActMem:        memory.NewInMemActivation(),
	}
	return cube, b.store
}
