package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
)

const (
	streamPrefix   = "memsched:stream:"
	streamRegistry = "memsched:streams"

	defaultGroup    = "memsched"
	defaultConsumer = "consumer-1"
)

// RedisQueue is a Queue backed by Redis Streams. Each stream key maps to
// one Redis stream; a registry set tracks known streams so consumers can
// discover them. Messages are acknowledged per entry via XACK, giving
// cross-process at-least-once delivery.
type RedisQueue struct {
	rdb      redis.Cmdable
	group    string
	consumer string
	maxSize  int
	overflow OverflowPolicy

	mu      sync.Mutex
	pending map[string]pendingEntry // item_id -> stream + redis entry id
	groups  map[string]struct{}     // streams with the consumer group created
	closed  bool
}

type pendingEntry struct {
	stream string
	id     string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a Redis Streams queue. Empty group or consumer
// names fall back to defaults.
func NewRedisQueue(rdb redis.Cmdable, group, consumer string, maxSize int, overflow OverflowPolicy) *RedisQueue {
	if group == "" {
		group = defaultGroup
	}
	if consumer == "" {
		consumer = defaultConsumer
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxStreamSize
	}
	return &RedisQueue{
		rdb:      rdb,
		group:    group,
		consumer: consumer,
		maxSize:  maxSize,
		overflow: overflow,
		pending:  make(map[string]pendingEntry),
		groups:   make(map[string]struct{}),
	}
}

func (q *RedisQueue) streamName(key string) string { return streamPrefix + key }

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	q.mu.Lock()
	_, ok := q.groups[stream]
	q.mu.Unlock()
	if ok {
		return nil
	}

	err := q.rdb.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	q.mu.Lock()
	q.groups[stream] = struct{}{}
	q.mu.Unlock()
	return nil
}

// Submit appends messages to their streams. Streams are trimmed to the
// per-stream bound; with the Reject policy a full stream returns
// ErrQueueFull instead of trimming.
func (q *RedisQueue) Submit(ctx context.Context, msgs []memory.Message) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, m := range msgs {
		stream := q.streamName(m.StreamKey())
		if err := q.ensureGroup(ctx, stream); err != nil {
			return err
		}

		if q.overflow == Reject {
			size, err := q.rdb.XLen(ctx, stream).Result()
			if err != nil {
				return fmt.Errorf("xlen %s: %w", stream, err)
			}
			if size >= int64(q.maxSize) {
				return ErrQueueFull
			}
		}

		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ItemID, err)
		}
		args := &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"payload": string(payload)},
		}
		if q.overflow == DropOldest {
			args.MaxLen = int64(q.maxSize)
			args.Approx = false
		}
		pipe := q.rdb.Pipeline()
		pipe.SAdd(ctx, streamRegistry, m.StreamKey())
		pipe.XAdd(ctx, args)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("xadd %s: %w", stream, err)
		}
	}
	return nil
}

// Get pulls up to batch messages, rotating across registered streams.
func (q *RedisQueue) Get(ctx context.Context, batch int) ([]memory.Message, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if batch <= 0 {
		return nil, nil
	}

	keys, err := q.rdb.SMembers(ctx, streamRegistry).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	sort.Strings(keys)

	var out []memory.Message
	for _, key := range keys {
		if len(out) >= batch {
			break
		}
		stream := q.streamName(key)
		if err := q.ensureGroup(ctx, stream); err != nil {
			log.Warn(log.CatRedis, "Skipping stream without group", "stream", key, "error", err.Error())
			continue
		}

		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(batch - len(out)),
			Block:    -1,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			log.Warn(log.CatRedis, "Stream read failed", "stream", key, "error", err.Error())
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				raw, ok := entry.Values["payload"].(string)
				if !ok {
					log.Warn(log.CatRedis, "Stream entry missing payload", "stream", key, "id", entry.ID)
					continue
				}
				var m memory.Message
				if err := json.Unmarshal([]byte(raw), &m); err != nil {
					log.ErrorErr(log.CatRedis, "Dropping undecodable stream entry", err,
						"stream", key, "id", entry.ID)
					continue
				}
				q.mu.Lock()
				q.pending[m.ItemID] = pendingEntry{stream: stream, id: entry.ID}
				q.mu.Unlock()
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// Ack acknowledges handled messages with XACK.
func (q *RedisQueue) Ack(ctx context.Context, msgs []memory.Message) error {
	for _, m := range msgs {
		q.mu.Lock()
		entry, ok := q.pending[m.ItemID]
		delete(q.pending, m.ItemID)
		q.mu.Unlock()
		if !ok {
			continue
		}
		if err := q.rdb.XAck(ctx, entry.stream, q.group, entry.id).Err(); err != nil {
			return fmt.Errorf("xack %s %s: %w", entry.stream, entry.id, err)
		}
		// Delete after ack so Sizes reflects the remaining backlog.
		if err := q.rdb.XDel(ctx, entry.stream, entry.id).Err(); err != nil {
			log.Warn(log.CatRedis, "Failed to delete acked entry", "stream", entry.stream, "id", entry.id)
		}
	}
	return nil
}

// Sizes returns the per-stream entry counts.
func (q *RedisQueue) Sizes(ctx context.Context) (map[string]int, error) {
	keys, err := q.rdb.SMembers(ctx, streamRegistry).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}

	sizes := make(map[string]int, len(keys))
	for _, key := range keys {
		n, err := q.rdb.XLen(ctx, q.streamName(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("xlen %s: %w", key, err)
		}
		if n > 0 {
			sizes[key] = int(n)
		}
	}
	return sizes, nil
}

// Len returns the aggregate depth across streams.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	sizes, err := q.Sizes(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range sizes {
		total += n
	}
	return total, nil
}

// Close marks the queue closed. Redis state is left intact for other
// consumers in the group.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = make(map[string]pendingEntry)
	return nil
}
