package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_MemoryFallback(t *testing.T) {
	l := New(nil, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be admitted", i)
		require.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.False(t, res.Reset.IsZero())
}

func TestSlidingWindow_MemoryKeysIndependent(t *testing.T) {
	l := New(nil, 1, time.Minute)
	ctx := context.Background()

	res, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestSlidingWindow_MemoryWindowSlides(t *testing.T) {
	l := New(nil, 2, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(60 * time.Millisecond)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestSlidingWindow_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := New(rdb, 2, time.Minute)
	ctx := context.Background()

	res, err := l.Allow(ctx, "rl:alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)

	res, err = l.Allow(ctx, "rl:alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Zero(t, res.Remaining)

	res, err = l.Allow(ctx, "rl:alice")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestSlidingWindow_RedisWindowExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := New(rdb, 1, 50*time.Millisecond)
	ctx := context.Background()

	res, err := l.Allow(ctx, "rl:k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "rl:k")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Old entries fall out of the sorted set once the window passes.
	time.Sleep(60 * time.Millisecond)

	res, err = l.Allow(ctx, "rl:k")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestSlidingWindow_RedisDownFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	l := New(rdb, 1, time.Minute)
	ctx := context.Background()

	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}
