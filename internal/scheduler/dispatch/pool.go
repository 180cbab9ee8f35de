// Package dispatch routes dequeued messages to label handlers through a
// bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/scheduler/metrics"
)

// DefaultMaxWorkers is the default number of concurrent handler slots.
const DefaultMaxWorkers = 8

// ErrPoolClosed is returned when tasks are submitted to a closed pool.
var ErrPoolClosed = fmt.Errorf("worker pool is closed")

// Pool is a bounded pool of handler goroutines. In-flight count drives
// the consumer's backpressure check.
type Pool struct {
	slots    chan struct{}
	inflight atomic.Int64
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewPool creates a pool with maxWorkers concurrent slots.
func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{slots: make(chan struct{}, maxWorkers)}
}

// Submit runs task on a pool goroutine, blocking until a slot frees or
// ctx is cancelled. Panics inside task are recovered and logged.
func (p *Pool) Submit(ctx context.Context, name string, task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.slots <- struct{}{}:
	}

	if p.closed.Load() {
		<-p.slots
		return ErrPoolClosed
	}

	p.inflight.Add(1)
	metrics.WorkersBusy.Inc()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			<-p.slots
			p.inflight.Add(-1)
			metrics.WorkersBusy.Dec()
		}()
		defer func() {
			if r := recover(); r != nil {
				log.Error(log.CatDispatch, "Handler panic recovered",
					"task", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		task()
	}()
	return nil
}

// Inflight returns the number of tasks currently executing.
func (p *Pool) Inflight() int {
	return int(p.inflight.Load())
}

// Capacity returns the number of concurrent slots.
func (p *Pool) Capacity() int {
	return cap(p.slots)
}

// Close stops accepting tasks and waits for running ones to finish.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.wg.Wait()
}
