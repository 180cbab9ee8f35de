package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/memsched/internal/memory"
)

func submitOne(t *testing.T, q Queue, user, cube string, label memory.Label, content string) memory.Message {
	t.Helper()
	msg := memory.NewMessage(user, cube, label, content)
	require.NoError(t, q.Submit(context.Background(), []memory.Message{msg}))
	return msg
}

func TestMemQueue_FIFOWithinStream(t *testing.T) {
	q := NewMemQueue(10, DropOldest)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, fmt.Sprintf("m%d", i))
	}

	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, m := range got {
		require.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}
}

func TestMemQueue_RoundRobinAcrossStreams(t *testing.T) {
	q := NewMemQueue(10, DropOldest)
	ctx := context.Background()

	// alice has a deep backlog, bob has one message.
	for i := 0; i < 5; i++ {
		submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, fmt.Sprintf("a%d", i))
	}
	submitOne(t, q, "bob", "c1", memory.LabelMemoryUpdate, "b0")

	got, err := q.Get(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	users := []string{got[0].UserID, got[1].UserID}
	require.Contains(t, users, "alice")
	require.Contains(t, users, "bob")
}

func TestMemQueue_DropOldest(t *testing.T) {
	q := NewMemQueue(2, DropOldest)
	ctx := context.Background()

	submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, "first")
	submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, "second")
	submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, "third")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "second", got[0].Content)
	require.Equal(t, "third", got[1].Content)
}

func TestMemQueue_Reject(t *testing.T) {
	q := NewMemQueue(1, Reject)

	submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, "first")
	msg := memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "second")
	err := q.Submit(context.Background(), []memory.Message{msg})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestMemQueue_Sizes(t *testing.T) {
	q := NewMemQueue(10, DropOldest)
	ctx := context.Background()

	submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, "a")
	submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, "b")
	submitOne(t, q, "bob", "c2", memory.LabelMemRead, "c")

	sizes, err := q.Sizes(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{
		"alice:c1:memory_update": 2,
		"bob:c2:mem_read":        1,
	}, sizes)

	// Drained streams disappear from Sizes.
	_, err = q.Get(ctx, 10)
	require.NoError(t, err)
	sizes, err = q.Sizes(ctx)
	require.NoError(t, err)
	require.Empty(t, sizes)
}

func TestMemQueue_EmptyGet(t *testing.T) {
	q := NewMemQueue(10, DropOldest)
	got, err := q.Get(context.Background(), 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMemQueue_Closed(t *testing.T) {
	q := NewMemQueue(10, DropOldest)
	submitOne(t, q, "alice", "c1", memory.LabelMemoryUpdate, "a")
	require.NoError(t, q.Close())

	err := q.Submit(context.Background(), []memory.Message{
		memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "b"),
	})
	require.ErrorIs(t, err, ErrClosed)

	_, err = q.Get(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
}
