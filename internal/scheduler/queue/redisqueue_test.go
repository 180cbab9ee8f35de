package queue_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/queue"
	"github.com/mkarlsen/memsched/internal/testutil"
)

func TestRedisQueue_SubmitGetAck(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	q := queue.NewRedisQueue(rdb, "", "", 100, queue.DropOldest)
	ctx := context.Background()

	msgs := []memory.Message{
		memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "first"),
		memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "second"),
	}
	require.NoError(t, q.Submit(ctx, msgs))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Content)
	require.Equal(t, "second", got[1].Content)
	require.Equal(t, msgs[0].ItemID, got[0].ItemID)

	require.NoError(t, q.Ack(ctx, got))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRedisQueue_GetRotatesAcrossStreams(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	q := queue.NewRedisQueue(rdb, "", "", 100, queue.DropOldest)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit(ctx, []memory.Message{
			memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, fmt.Sprintf("a%d", i)),
		}))
	}
	require.NoError(t, q.Submit(ctx, []memory.Message{
		memory.NewMessage("bob", "c1", memory.LabelMemRead, "b0"),
	}))

	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)

	users := make(map[string]int)
	for _, m := range got {
		users[m.UserID]++
	}
	require.Equal(t, map[string]int{"alice": 3, "bob": 1}, users)
}

func TestRedisQueue_GetDoesNotRedeliverUnacked(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	q := queue.NewRedisQueue(rdb, "", "", 100, queue.DropOldest)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, []memory.Message{
		memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "only"),
	}))

	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// The entry is pending for this consumer, not re-read with ">".
	again, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestRedisQueue_RejectWhenFull(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	q := queue.NewRedisQueue(rdb, "", "", 1, queue.Reject)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, []memory.Message{
		memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "first"),
	}))
	err := q.Submit(ctx, []memory.Message{
		memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "second"),
	})
	require.ErrorIs(t, err, queue.ErrQueueFull)
}

func TestRedisQueue_DropOldestTrims(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	q := queue.NewRedisQueue(rdb, "", "", 2, queue.DropOldest)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Submit(ctx, []memory.Message{
			memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, fmt.Sprintf("m%d", i)),
		}))
	}

	sizes, err := q.Sizes(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"alice:c1:memory_update": 2}, sizes)

	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m2", got[0].Content)
	require.Equal(t, "m3", got[1].Content)
}

func TestRedisQueue_Closed(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	q := queue.NewRedisQueue(rdb, "", "", 100, queue.DropOldest)
	require.NoError(t, q.Close())

	err := q.Submit(context.Background(), []memory.Message{
		memory.NewMessage("alice", "c1", memory.LabelMemoryUpdate, "x"),
	})
	require.ErrorIs(t, err, queue.ErrClosed)

	_, err = q.Get(context.Background(), 1)
	require.ErrorIs(t, err, queue.ErrClosed)
}
