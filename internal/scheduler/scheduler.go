// Package scheduler assembles the memory scheduler: priority admission,
// stream-keyed queues, the consumer loop, and the label handlers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkarlsen/memsched/internal/config"
	"github.com/mkarlsen/memsched/internal/llm"
	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/prompt"
	"github.com/mkarlsen/memsched/internal/ratelimit"
	"github.com/mkarlsen/memsched/internal/scheduler/activation"
	"github.com/mkarlsen/memsched/internal/scheduler/dispatch"
	"github.com/mkarlsen/memsched/internal/scheduler/enhance"
	"github.com/mkarlsen/memsched/internal/scheduler/handlers"
	"github.com/mkarlsen/memsched/internal/scheduler/metrics"
	"github.com/mkarlsen/memsched/internal/scheduler/monitor"
	"github.com/mkarlsen/memsched/internal/scheduler/postproc"
	"github.com/mkarlsen/memsched/internal/scheduler/queue"
	"github.com/mkarlsen/memsched/internal/scheduler/search"
	"github.com/mkarlsen/memsched/internal/scheduler/status"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
	"github.com/mkarlsen/memsched/internal/tracing"
)

// ErrNotRunning is returned when messages are submitted before Start.
var ErrNotRunning = errors.New("scheduler is not running")

// Scheduler is the task scheduling service. Collaborators that depend on
// external infrastructure (models, mem cubes) are attached through the
// explicit setters before Start.
type Scheduler struct {
	cfg config.Config

	queue      queue.Queue
	pool       *dispatch.Pool
	dispatcher *dispatch.Dispatcher
	tracker    *status.Tracker
	webLog     *weblog.Plane
	monitors   *monitor.Manager
	limiter    ratelimit.Limiter
	prompts    prompt.Store
	searcher   *search.Service
	rdb        *redis.Client
	store      *monitor.Store

	mu       sync.Mutex
	chatLLM  llm.Client
	procLLM  llm.Client
	embedder llm.Embedder
	reranker llm.Reranker
	cubes    handlers.CubeResolver
	reader   memory.Reader
	feedback memory.FeedbackProcessor

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// previously exported per-user gauge labels, for zeroing stale ones
	gaugeUsers map[string]struct{}
}

// New builds a scheduler from configuration. Queues, monitors, and the
// rate limiter are wired here; model and cube collaborators attach later.
func New(cfg config.Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Scheduler{
		cfg:        cfg,
		pool:       dispatch.NewPool(cfg.Scheduler.MaxWorkers),
		tracker:    status.NewTracker(time.Hour),
		webLog:     weblog.NewPlane(cfg.Scheduler.MaxWebLogQueueSize),
		prompts:    prompt.NewStore(),
		searcher:   search.NewService(memory.SearchFast),
		gaugeUsers: make(map[string]struct{}),
	}

	if cfg.Redis.UseSharedLog() {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		group := cfg.Redis.Group
		if group == "" {
			group = "memsched"
		}
		consumer := cfg.Redis.Consumer
		if consumer == "" {
			consumer = "consumer-1"
		}
		s.queue = queue.NewRedisQueue(s.rdb, group, consumer, cfg.Scheduler.MaxQueueSize, queue.DropOldest)
		log.Info(log.CatSched, "Using Redis stream queue", "addr", cfg.Redis.Addr, "group", group)
	} else {
		s.queue = queue.NewMemQueue(cfg.Scheduler.MaxQueueSize, queue.DropOldest)
	}

	if cfg.Database.Path != "" {
		store, err := monitor.OpenStore(cfg.Database.Path)
		if err != nil {
			log.ErrorErr(log.CatDB, "Monitor persistence unavailable, running in-memory", err,
				"path", cfg.Database.Path)
		} else {
			s.store = store
		}
	}
	s.monitors = monitor.NewManager(s.store, monitor.DefaultQueryHistoryLimit)

	if cfg.RateLimit.Enabled {
		var rdb redis.Cmdable
		if s.rdb != nil {
			rdb = s.rdb
		}
		s.limiter = ratelimit.New(rdb, cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	s.dispatcher = dispatch.NewDispatcher(s.pool, s.tracker, cfg.Scheduler.ParallelDispatch)
	return s, nil
}

// SetChatLLM attaches the conversational model used for intent
// recognition and answerability checks.
func (s *Scheduler) SetChatLLM(c llm.Client) { s.mu.Lock(); s.chatLLM = c; s.mu.Unlock() }

// SetProcessLLM attaches the model used for reranking, filtering, and
// enhancement.
func (s *Scheduler) SetProcessLLM(c llm.Client) { s.mu.Lock(); s.procLLM = c; s.mu.Unlock() }

// SetEmbedder attaches the embedder behind similarity dedup.
func (s *Scheduler) SetEmbedder(e llm.Embedder) { s.mu.Lock(); s.embedder = e; s.mu.Unlock() }

// SetReranker attaches an optional dedicated reranker.
func (s *Scheduler) SetReranker(r llm.Reranker) { s.mu.Lock(); s.reranker = r; s.mu.Unlock() }

// SetMemCubeResolver attaches the mem-cube lookup used by every handler.
func (s *Scheduler) SetMemCubeResolver(r handlers.CubeResolver) {
	s.mu.Lock()
	s.cubes = r
	s.mu.Unlock()
}

// SetReader attaches the fine-transfer reader behind mem_read.
func (s *Scheduler) SetReader(r memory.Reader) { s.mu.Lock(); s.reader = r; s.mu.Unlock() }

// SetFeedbackProcessor attaches the processor behind mem_feedback.
func (s *Scheduler) SetFeedbackProcessor(f memory.FeedbackProcessor) {
	s.mu.Lock()
	s.feedback = f
	s.mu.Unlock()
}

// SetSearchMode switches retrieval between fast and fine.
func (s *Scheduler) SetSearchMode(mode memory.SearchMode) {
	s.mu.Lock()
	s.searcher = search.NewService(mode)
	s.mu.Unlock()
}

// WebLog returns the outward-facing event plane.
func (s *Scheduler) WebLog() *weblog.Plane { return s.webLog }

// Monitors returns the monitor manager.
func (s *Scheduler) Monitors() *monitor.Manager { return s.monitors }

// TaskStatus returns the tracked record for a task id.
func (s *Scheduler) TaskStatus(itemID string) (status.Record, bool) { return s.tracker.Get(itemID) }

// TaskStatuses returns every live task record.
func (s *Scheduler) TaskStatuses() []status.Record { return s.tracker.All() }

// CancelTask requests best-effort cancellation of a pending task.
func (s *Scheduler) CancelTask(itemID string) { s.tracker.Cancel(itemID) }

// Start wires the handlers and launches the consumer and monitor loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return fmt.Errorf("scheduler already started")
	}

	s.mu.Lock()
	sc := s.cfg.Scheduler
	var actMgr *activation.Manager
	if sc.EnableActivationMemory {
		actMgr = activation.NewManager(s.monitors, sc.ActMemUpdateInterval, sc.ActMemDumpPath)
	}
	post := postproc.NewProcessor(s.procLLM, s.embedder, s.prompts, sc.SimilarityThreshold, sc.MinLengthThreshold)
	if s.reranker != nil {
		post.UseReranker(s.reranker)
	}
	svc := handlers.NewService(handlers.Deps{
		Env:      s.cfg.Env,
		Cfg:      sc,
		Cubes:    s.cubes,
		Monitors: s.monitors,
		Searcher: s.searcher,
		Post:     post,
		Enhancer: enhance.NewPipeline(s.procLLM, s.prompts, enhance.Strategy(sc.EnhanceStrategy), sc.EnhanceBatchSize, sc.EnhanceRetries),
		ActMgr:   actMgr,
		WebLog:   s.webLog,
		Prompts:  s.prompts,
		ChatLLM:  s.chatLLM,
		Reader:   s.reader,
		Feedback: s.feedback,
		Submit:   s.Submit,
	})
	s.mu.Unlock()
	svc.RegisterAll(s.dispatcher)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Shared mode drains all streams through one puller; isolated mode
	// gives each worker slot its own puller so a slow group only stalls
	// one of them.
	consumers := 1
	if sc.ConsumerMode == config.ConsumerIsolated {
		consumers = sc.MaxWorkers
	}
	for i := 0; i < consumers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.consumeLoop(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorLoop(runCtx)
	}()

	log.Info(log.CatSched, "Scheduler started",
		"workers", sc.MaxWorkers, "consumers", consumers, "mode", string(sc.ConsumerMode))
	return nil
}

// Stop drains the loops and closes the backends. Safe to call twice.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.pool.Close()
	if err := s.queue.Close(); err != nil {
		log.ErrorErr(log.CatSched, "Queue close failed", err)
	}
	s.webLog.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.ErrorErr(log.CatDB, "Monitor store close failed", err)
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			log.ErrorErr(log.CatRedis, "Redis close failed", err)
		}
	}
	log.Info(log.CatSched, "Scheduler stopped")
}

// Submit admits one message. Priority-1 labels execute inline on the
// calling goroutine so conversational history lands before any queued
// follow-up; everything else is enqueued on its stream key.
func (s *Scheduler) Submit(ctx context.Context, msg memory.Message) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if msg.ItemID == "" {
		msg.ItemID = memory.NewMessage(msg.UserID, msg.MemCubeID, msg.Label, msg.Content).ItemID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.TraceID == "" {
		if tid := tracing.TraceIDFromContext(ctx); tid != "" {
			msg.TraceID = tid
		} else {
			msg.TraceID = tracing.GenerateTraceID()
		}
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, msg.UserID)
		if err != nil {
			log.ErrorErr(log.CatSched, "Rate limiter errored, admitting", err, "userID", msg.UserID)
		} else if !res.Allowed {
			metrics.RateLimited.Inc()
			return fmt.Errorf("user %s: %w", msg.UserID, ratelimit.ErrRateLimited)
		}
	}

	priority := memory.Priority(msg.Label)
	s.tracker.Submitted(msg)
	metrics.TasksSubmitted.WithLabelValues(string(msg.Label), strconv.Itoa(int(priority))).Inc()

	if priority == memory.PriorityLevel1 {
		msg.DequeueTS = time.Now().UTC()
		metrics.TasksDequeued.WithLabelValues(msg.UserID, string(msg.Label)).Inc()
		metrics.QueueWait.WithLabelValues(string(msg.Label)).Observe(0)
		return s.dispatcher.RunLabel(ctx, msg.Label, []memory.Message{msg})
	}

	if err := s.queue.Submit(ctx, []memory.Message{msg}); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			s.tracker.Dropped(msg.ItemID)
			metrics.TasksDropped.WithLabelValues(string(msg.Label)).Inc()
		}
		return err
	}
	return nil
}

func (s *Scheduler) consumeLoop(ctx context.Context) {
	sc := s.cfg.Scheduler
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.pool.Inflight() >= sc.MaxWorkers {
			sleep(ctx, sc.ConsumeInterval)
			continue
		}

		msgs, err := s.queue.Get(ctx, sc.ConsumeBatch)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.ErrorErr(log.CatQueue, "Queue read failed", err)
			sleep(ctx, sc.ConsumeInterval)
			continue
		}
		if len(msgs) == 0 {
			sleep(ctx, sc.ConsumeInterval)
			continue
		}

		now := time.Now().UTC()
		for i := range msgs {
			msgs[i].DequeueTS = now
			wait := now.Sub(msgs[i].Timestamp)
			if wait < 0 {
				wait = 0
			}
			msgs[i].QueueWaitMS = wait.Milliseconds()
			metrics.QueueWait.WithLabelValues(string(msgs[i].Label)).Observe(wait.Seconds())
			metrics.TasksDequeued.WithLabelValues(msgs[i].UserID, string(msgs[i].Label)).Inc()
		}

		s.dispatcher.Dispatch(ctx, msgs)
		if err := s.queue.Ack(ctx, msgs); err != nil {
			log.ErrorErr(log.CatQueue, "Ack failed", err, "messages", len(msgs))
		}
	}
}

// monitorLoop samples per-stream queue depths into the per-user gauge.
func (s *Scheduler) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sizes, err := s.queue.Sizes(ctx)
		if err != nil {
			log.ErrorErr(log.CatQueue, "Queue depth sampling failed", err)
			continue
		}

		perUser := make(map[string]int)
		for key, n := range sizes {
			if user := memory.UserFromStreamKey(key); user != "" {
				perUser[user] += n
			}
		}
		for user := range s.gaugeUsers {
			if _, live := perUser[user]; !live {
				metrics.QueueLength.WithLabelValues(user).Set(0)
				delete(s.gaugeUsers, user)
			}
		}
		for user, n := range perUser {
			metrics.QueueLength.WithLabelValues(user).Set(float64(n))
			s.gaugeUsers[user] = struct{}{}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
