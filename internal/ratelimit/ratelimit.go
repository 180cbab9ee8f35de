// Package ratelimit enforces a sliding-window request limit per client key.
// The window lives in Redis when a shared backend is configured so limits
// hold across processes; otherwise a per-process in-memory window is used.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/mkarlsen/memsched/internal/log"
)

// ErrRateLimited is returned by Check when the caller exceeded the window.
var ErrRateLimited = fmt.Errorf("rate limit exceeded")

// Result describes the window state after accounting for one request.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter admits or rejects requests for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// SlidingWindow is a Redis-backed sliding-window limiter with an in-memory
// fallback when Redis is unavailable.
type SlidingWindow struct {
	rdb    redis.Cmdable // nil when no shared backend is configured
	limit  int
	window time.Duration
	mem    *memoryWindow
}

var _ Limiter = (*SlidingWindow)(nil)

// New creates a sliding-window limiter. rdb may be nil.
func New(rdb redis.Cmdable, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		rdb:    rdb,
		limit:  limit,
		window: window,
		mem:    newMemoryWindow(limit, window),
	}
}

// Allow records one request for key and reports whether it is admitted.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (Result, error) {
	if l.rdb == nil {
		return l.mem.allow(key), nil
	}

	res, err := l.allowRedis(ctx, key)
	if err != nil {
		log.Warn(log.CatRedis, "Rate limit check failed, using in-memory fallback",
			"key", key, "error", err.Error())
		return l.mem.allow(key), nil
	}
	return res, nil
}

func (l *SlidingWindow) allowRedis(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMicro(), 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := int(card.Val())
	reset := now.Add(l.window)
	if count >= l.limit {
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: max(0, l.limit-count-1), Reset: reset}, nil
}

// memoryWindow is the per-process fallback. Timestamp slices are kept in a
// TTL cache so idle keys age out without a sweeper of our own.
type memoryWindow struct {
	mu     sync.Mutex
	store  *gocache.Cache
	limit  int
	window time.Duration
}

func newMemoryWindow(limit int, window time.Duration) *memoryWindow {
	return &memoryWindow{
		store:  gocache.New(window+time.Second, 2*window),
		limit:  limit,
		window: window,
	}
}

func (m *memoryWindow) allow(key string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-m.window)

	var stamps []time.Time
	if v, ok := m.store.Get(key); ok {
		for _, t := range v.([]time.Time) {
			if t.After(windowStart) {
				stamps = append(stamps, t)
			}
		}
	}

	if len(stamps) >= m.limit {
		reset := stamps[0].Add(m.window)
		m.store.Set(key, stamps, gocache.DefaultExpiration)
		return Result{Allowed: false, Remaining: 0, Reset: reset}
	}

	stamps = append(stamps, now)
	m.store.Set(key, stamps, gocache.DefaultExpiration)
	return Result{
		Allowed:   true,
		Remaining: m.limit - len(stamps),
		Reset:     now.Add(m.window),
	}
}
