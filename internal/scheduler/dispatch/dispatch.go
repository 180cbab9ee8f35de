package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/metrics"
	"github.com/mkarlsen/memsched/internal/scheduler/status"
	"github.com/mkarlsen/memsched/internal/tracing"
)

// Handler processes one group of messages sharing (user, cube, label).
type Handler func(ctx context.Context, msgs []memory.Message) error

// DefaultHandlerTTL caps a single handler invocation.
const DefaultHandlerTTL = 5 * time.Minute

type registration struct {
	handler Handler
	ttl     time.Duration
}

// Dispatcher groups messages by stream and routes each group to the
// handler registered for its label.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[memory.Label]registration
	pool     *Pool
	tracker  *status.Tracker
	parallel bool
}

// NewDispatcher creates a dispatcher backed by pool. tracker may be nil.
// When parallel is false, groups run inline on the caller's goroutine.
func NewDispatcher(pool *Pool, tracker *status.Tracker, parallel bool) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[memory.Label]registration),
		pool:     pool,
		tracker:  tracker,
		parallel: parallel,
	}
}

// Register binds a handler to a label. ttl <= 0 uses DefaultHandlerTTL.
// Registering a label twice replaces the previous handler.
func (d *Dispatcher) Register(label memory.Label, h Handler, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultHandlerTTL
	}
	d.mu.Lock()
	d.handlers[label] = registration{handler: h, ttl: ttl}
	d.mu.Unlock()
}

// Labels returns the registered labels.
func (d *Dispatcher) Labels() []memory.Label {
	d.mu.RLock()
	defer d.mu.RUnlock()
	labels := make([]memory.Label, 0, len(d.handlers))
	for l := range d.handlers {
		labels = append(labels, l)
	}
	return labels
}

// Dispatch groups msgs by (user, cube, label) and runs each group through
// its handler. In parallel mode groups go through the worker pool;
// otherwise they run serially in submission order.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []memory.Message) {
	if len(msgs) == 0 {
		return
	}

	groups := memory.GroupByStream(msgs)
	for _, group := range groups {
		group := group
		if !d.parallel {
			d.runGroup(ctx, group)
			continue
		}
		name := group[0].StreamKey()
		if err := d.pool.Submit(ctx, name, func() {
			d.runGroup(ctx, group)
		}); err != nil {
			log.ErrorErr(log.CatDispatch, "Failed to submit group to pool", err,
				"stream", name, "messages", len(group))
			d.markFailed(group, err)
		}
	}
}

// RunLabel executes msgs through the handler for label directly, bypassing
// grouping. Used for priority execution at submit time.
func (d *Dispatcher) RunLabel(ctx context.Context, label memory.Label, msgs []memory.Message) error {
	reg, ok := d.lookup(label)
	if !ok {
		d.discard(label, msgs)
		return nil
	}
	return d.invoke(ctx, reg, label, msgs)
}

func (d *Dispatcher) lookup(label memory.Label) (registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.handlers[label]
	return reg, ok
}

func (d *Dispatcher) runGroup(ctx context.Context, group []memory.Message) {
	label := group[0].Label
	reg, ok := d.lookup(label)
	if !ok {
		d.discard(label, group)
		return
	}
	if err := d.invoke(ctx, reg, label, group); err != nil {
		log.ErrorErr(log.CatDispatch, "Handler failed", err,
			"label", string(label), "messages", len(group))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, reg registration, label memory.Label, msgs []memory.Message) error {
	hctx, cancel := context.WithTimeout(ctx, reg.ttl)
	defer cancel()

	first := msgs[0]
	if first.TraceID != "" {
		hctx = tracing.ContextWithTraceID(hctx, first.TraceID)
	}
	var span trace.Span
	hctx, span = otel.Tracer("memsched").Start(hctx, tracing.SpanPrefixHandler+string(label),
		trace.WithAttributes(
			attribute.String(tracing.AttrTaskLabel, string(label)),
			attribute.String(tracing.AttrUserID, first.UserID),
			attribute.String(tracing.AttrMemCubeID, first.MemCubeID),
			attribute.Int(tracing.AttrBatchSize, len(msgs)),
		))
	defer span.End()

	if d.tracker != nil {
		for _, m := range msgs {
			d.tracker.Running(m.ItemID)
		}
	}

	start := time.Now()
	err := reg.handler(hctx, msgs)
	metrics.HandlerDuration.WithLabelValues(string(label)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.HandlerErrors.WithLabelValues(string(label)).Inc()
		d.markFailed(msgs, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	if d.tracker != nil {
		for _, m := range msgs {
			d.tracker.Succeeded(m.ItemID)
		}
	}
	return nil
}

// discard is the default handler: log and drop.
func (d *Dispatcher) discard(label memory.Label, msgs []memory.Message) {
	log.Warn(log.CatDispatch, "No handler registered for label, discarding",
		"label", string(label), "messages", len(msgs))
	if d.tracker != nil {
		for _, m := range msgs {
			d.tracker.Failed(m.ItemID, "no handler registered")
		}
	}
}

func (d *Dispatcher) markFailed(msgs []memory.Message, err error) {
	if d.tracker == nil {
		return
	}
	for _, m := range msgs {
		d.tracker.Failed(m.ItemID, err.Error())
	}
}
