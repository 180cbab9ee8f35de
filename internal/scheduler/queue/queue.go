// Package queue provides the stream-keyed FIFO task queues feeding the
// dispatcher. Messages are ordered within a stream key
// "{user_id}:{cube_id}:{label}"; no ordering holds across keys. Two
// backends share the contract: an in-process bounded queue and a Redis
// Streams shared log with per-message acknowledgement.
package queue

import (
	"context"
	"errors"

	"github.com/mkarlsen/memsched/internal/memory"
)

// ErrQueueFull is returned when a bounded stream rejects a message.
var ErrQueueFull = errors.New("stream queue is full")

// ErrClosed is returned for operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// OverflowPolicy decides what happens when a stream is at capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest entry so submission never blocks.
	// This is the default for non-priority-1 traffic.
	DropOldest OverflowPolicy = iota
	// Reject returns ErrQueueFull to the submitter.
	Reject
)

// Queue is the shared contract of the task queue backends.
type Queue interface {
	// Submit enqueues messages onto their stream keys.
	Submit(ctx context.Context, msgs []memory.Message) error
	// Get pops up to batch messages, fair-weighted across stream keys.
	Get(ctx context.Context, batch int) ([]memory.Message, error)
	// Ack acknowledges handled messages. A no-op for in-process backends.
	Ack(ctx context.Context, msgs []memory.Message) error
	// Sizes returns the per-stream queue depths.
	Sizes(ctx context.Context) (map[string]int, error)
	// Len returns the aggregate queue depth.
	Len(ctx context.Context) (int, error)
	Close() error
}
