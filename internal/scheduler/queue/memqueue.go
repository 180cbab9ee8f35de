package queue

import (
	"context"
	"sync"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
)

// DefaultMaxStreamSize is the default per-stream bound.
const DefaultMaxStreamSize = 100

// MemQueue is a thread-safe in-process implementation of Queue. Each stream
// key owns a bounded FIFO; Get round-robins across keys so one busy user
// cannot starve the others.
type MemQueue struct {
	mu       sync.Mutex
	streams  map[string][]memory.Message
	order    []string // stream keys in first-seen order, for fair rotation
	cursor   int
	maxSize  int
	overflow OverflowPolicy
	closed   bool
}

var _ Queue = (*MemQueue)(nil)

// NewMemQueue creates an in-process queue with the given per-stream bound.
// If maxSize <= 0, DefaultMaxStreamSize is used.
func NewMemQueue(maxSize int, overflow OverflowPolicy) *MemQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxStreamSize
	}
	return &MemQueue{
		streams:  make(map[string][]memory.Message),
		maxSize:  maxSize,
		overflow: overflow,
	}
}

// Submit enqueues messages. When a stream is full the overflow policy
// decides between evicting the oldest entry and returning ErrQueueFull.
func (q *MemQueue) Submit(_ context.Context, msgs []memory.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	for _, m := range msgs {
		key := m.StreamKey()
		entries, seen := q.streams[key]
		if !seen {
			q.order = append(q.order, key)
		}
		if len(entries) >= q.maxSize {
			if q.overflow == Reject {
				return ErrQueueFull
			}
			dropped := entries[0]
			entries = entries[1:]
			log.Warn(log.CatQueue, "Stream full, dropping oldest message",
				"stream", key, "droppedItemID", dropped.ItemID)
		}
		q.streams[key] = append(entries, m)
	}
	return nil
}

// Get pops up to batch messages, taking one message per stream key per
// rotation until the batch fills or the queue drains.
func (q *MemQueue) Get(_ context.Context, batch int) ([]memory.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if batch <= 0 || len(q.order) == 0 {
		return nil, nil
	}

	var out []memory.Message
	for len(out) < batch {
		progressed := false
		for range q.order {
			key := q.order[q.cursor%len(q.order)]
			q.cursor++
			entries := q.streams[key]
			if len(entries) == 0 {
				continue
			}
			out = append(out, entries[0])
			q.streams[key] = entries[1:]
			progressed = true
			if len(out) == batch {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return out, nil
}

// Ack is a no-op for the in-process backend.
func (q *MemQueue) Ack(context.Context, []memory.Message) error { return nil }

// Sizes returns the depth of every non-empty stream.
func (q *MemQueue) Sizes(context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sizes := make(map[string]int)
	for key, entries := range q.streams {
		if len(entries) > 0 {
			sizes[key] = len(entries)
		}
	}
	return sizes, nil
}

// Len returns the aggregate depth across streams.
func (q *MemQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, entries := range q.streams {
		total += len(entries)
	}
	return total, nil
}

// Close marks the queue closed; pending messages are dropped per the
// at-least-once contract.
func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.streams = make(map[string][]memory.Message)
	q.order = nil
	return nil
}
