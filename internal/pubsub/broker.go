// Package pubsub fans values out from one producer to in-process
// subscribers. The log package streams formatted entries through it and
// the weblog plane streams normalized events; both producers run on hot
// paths, so delivery is best-effort and never blocks the publisher.
package pubsub

import (
	"context"
	"sync"
	"time"
)

// Event wraps a published payload with its delivery order and time.
type Event[T any] struct {
	Payload   T
	Seq       uint64 // publish order, starting at 1
	Timestamp time.Time
}

// Stream is the subscription side of a broker, for callers that only
// consume.
type Stream[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// A slow log listener should miss entries rather than stall a handler;
// the buffer only absorbs short bursts.
const defaultBufferSize = 64

// Broker fans published payloads out to every subscriber.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[chan Event[T]]struct{}
	done       chan struct{}
	seq        uint64
	bufferSize int
}

// NewBroker creates a broker with the default per-subscriber buffer.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker whose subscriber channels hold up
// to size undelivered events.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Event[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe registers a new listener. The returned channel closes when
// ctx is cancelled or the broker shuts down; subscribing to a closed
// broker yields an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Close already tore the subscriber down
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers payload to every subscriber that has buffer room.
// Subscribers with full channels miss the event; Seq lets them detect
// the gap.
func (b *Broker[T]) Publish(payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	b.seq++
	event := Event[T]{
		Payload:   payload,
		Seq:       b.seq,
		Timestamp: time.Now(),
	}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// Close shuts the broker down and closes every subscriber channel.
// Safe to call more than once; later publishes are no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
