// Package pipeline implements the six-stage streaming processor that turns a
// submitted event into a persisted, view-updated, published fact:
// SOURCE -> ENRICH -> PERSIST -> UPDATE_VIEW -> PUBLISH -> COMPLETE.
//
// One Pipeline is a single logical pipeline for one domain. Events sharing a
// (domain, key) partition are processed in submission order; events with
// disjoint keys run in parallel across the worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventflow/eventing"
	"eventflow/eventing/bus"
	"eventflow/eventing/outbox"
	"eventflow/eventing/store"
	"eventflow/logging"
	"eventflow/view"
)

var (
	// ErrPipelineStopped 表示管道未启动或已停止，不再接受新事件
	ErrPipelineStopped = errors.New("pipeline: stopped")
	// ErrQueueFull 表示某个分区 worker 的入口队列已满
	ErrQueueFull = errors.New("pipeline: ingress queue full")
	// ErrRebuildInProgress 表示该 domain 正在 rebuild_views，拒绝新的摄入
	ErrRebuildInProgress = errors.New("pipeline: rebuild in progress, ingestion suspended")
)

// MustDeliverFunc 判断一个事件是否要求"must-deliver"语义；为 true 时
// PUBLISH 阶段改走 Outbox 而不是直接发布到事件总线。
type MustDeliverFunc func(event *eventing.Event) bool

// Config 配置 Pipeline 的并发度与重试策略
type Config struct {
	// WorkerCount 分区 worker 数量；同一 (domain,key) 恒定路由到同一个 worker
	WorkerCount int
	// QueueSize 每个 worker 的入口缓冲区大小
	QueueSize int

	// PersistMaxRetries PERSIST 阶段在归类为可重试错误时的最大重试次数
	PersistMaxRetries int
	// PersistRetryBackoff 每次重试前的等待时间
	PersistRetryBackoff time.Duration

	// MustDeliver 为 nil 时一律走事件总线直接发布
	MustDeliver MustDeliverFunc

	// OutboxEntryIDFunc 为 must-deliver 事件分配 Outbox 记录 ID（通常是
	// codegen/snowflake 生成器的 NextID）
	OutboxEntryIDFunc func() (int64, error)
}

// DefaultConfig 返回合理的默认配置
func DefaultConfig() Config {
	return Config{
		WorkerCount:         8,
		QueueSize:           256,
		PersistMaxRetries:   3,
		PersistRetryBackoff: 200 * time.Millisecond,
	}
}

// Pipeline 单个 domain 的六阶段处理管道
type Pipeline struct {
	domain string
	cfg    Config

	eventStore store.IEventStore
	viewStore  view.IStore
	eventBus   bus.IEventBus
	outboxRepo outbox.IRepository

	updaters *UpdaterRegistry
	markers  *completionRegistry

	log logging.ILogger

	workers []chan *inflightEvent
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
	rebuild bool
}

type inflightEvent struct {
	event      *eventing.Event
	enqueuedAt time.Time
	done       chan error
}

// New 创建作用于单个 domain 的 Pipeline
func New(domain string, eventStore store.IEventStore, viewStore view.IStore, eventBus bus.IEventBus, outboxRepo outbox.IRepository, cfg Config) *Pipeline {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Pipeline{
		domain:     domain,
		cfg:        cfg,
		eventStore: eventStore,
		viewStore:  viewStore,
		eventBus:   eventBus,
		outboxRepo: outboxRepo,
		updaters:   NewUpdaterRegistry(),
		markers:    newCompletionRegistry(),
		log:        logging.ComponentLogger("pipeline").WithField("domain", domain),
	}
}

// RegisterUpdater 注册一个按 event_type 生效的视图更新器（§4.4）
func (p *Pipeline) RegisterUpdater(u ViewUpdater) {
	p.updaters.Register(u)
}

// Start 启动 worker 池
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %s already running", p.domain)
	}
	p.running = true
	p.workers = make([]chan *inflightEvent, p.cfg.WorkerCount)
	for i := range p.workers {
		p.workers[i] = make(chan *inflightEvent, p.cfg.QueueSize)
	}
	p.mu.Unlock()

	for i, ch := range p.workers {
		p.wg.Add(1)
		go p.runWorker(ctx, i, ch)
	}

	p.log.Info(ctx, "pipeline started", logging.Int("workers", p.cfg.WorkerCount))
	return nil
}

// Stop 停止 worker 池，等待所有在途事件处理完
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %s not running", p.domain)
	}
	p.running = false
	workers := p.workers
	p.mu.Unlock()

	for _, ch := range workers {
		close(ch)
	}
	p.wg.Wait()
	return nil
}

// Submit 把一个事件送入摄入队列（SOURCE 阶段的入口）
//
// 按 hash(domain,key) 路由到固定 worker，保证同一 key 的事件按提交顺序
// 被同一个 worker 串行处理；不同 key 之间互不等待。
func (p *Pipeline) Submit(ctx context.Context, event *eventing.Event) error {
	p.mu.RLock()
	running := p.running
	rebuilding := p.rebuild
	workers := p.workers
	p.mu.RUnlock()

	if !running {
		return ErrPipelineStopped
	}
	if rebuilding {
		return ErrRebuildInProgress
	}

	idx := partitionIndex(event.GetKey(), len(workers))
	inflight := &inflightEvent{event: event, enqueuedAt: time.Now(), done: make(chan error, 1)}

	select {
	case workers[idx] <- inflight:
	default:
		return ErrQueueFull
	}

	select {
	case err := <-inflight.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitCompletion 阻塞直到某个 event_id 的 COMPLETE 标记出现，或 ctx 取消
func (p *Pipeline) AwaitCompletion(ctx context.Context, eventID string) error {
	return p.markers.wait(ctx, eventID)
}

func partitionIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (p *Pipeline) runWorker(ctx context.Context, id int, ch chan *inflightEvent) {
	defer p.wg.Done()
	for inflight := range ch {
		waitLatency := time.Since(inflight.enqueuedAt)
		p.log.Debug(ctx, "SOURCE", logging.Int("worker", id),
			logging.Duration("ingress_wait", waitLatency),
			logging.String("event_id", inflight.event.GetID()))

		err := p.process(ctx, inflight.event)
		inflight.done <- err
	}
}

// process 依次跑完 ENRICH -> PERSIST -> UPDATE_VIEW -> PUBLISH -> COMPLETE
func (p *Pipeline) process(ctx context.Context, event *eventing.Event) error {
	p.enrich(event)

	if err := p.persist(ctx, event); err != nil {
		p.log.Error(ctx, "PERSIST failed", logging.Error(err), logging.String("event_id", event.GetID()))
		return err
	}

	if err := p.updateViews(ctx, event); err != nil {
		// UPDATE_VIEW 失败只记录日志、不重试，也不阻塞 PUBLISH/COMPLETE
		p.log.Error(ctx, "UPDATE_VIEW failed", logging.Error(err), logging.String("event_id", event.GetID()))
	}

	if err := p.publish(ctx, event); err != nil {
		p.log.Error(ctx, "PUBLISH failed", logging.Error(err), logging.String("event_id", event.GetID()))
	}

	p.complete(event)
	return nil
}

// enrich 补全 pipeline_entry_time/event_id/event_version（§4.3 ENRICH）
func (p *Pipeline) enrich(event *eventing.Event) {
	if event.GetID() == "" {
		event.ID = uuid.NewString()
	}
	if event.EventVersion == "" {
		event.EventVersion = "1"
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}
	event.Metadata["pipeline_entry_time"] = time.Now().UTC()
}

// persist 追加到 Event Log，按分类结果重试或视为幂等 no-op（§4.3 PERSIST, §7）
func (p *Pipeline) persist(ctx context.Context, event *eventing.Event) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PersistMaxRetries; attempt++ {
		_, err := p.eventStore.Append(ctx, p.domain, event.GetKey(), event)
		if err == nil {
			return nil
		}

		var storeErr *eventing.EventStoreError
		if errors.As(err, &storeErr) && storeErr.Code == eventing.ErrCodeDuplicateEvent {
			// 重复投递，按幂等 no-op 处理
			return nil
		}
		if !isRetryablePersistError(err) {
			return err
		}

		lastErr = err
		if attempt < p.cfg.PersistMaxRetries && p.cfg.PersistRetryBackoff > 0 {
			select {
			case <-time.After(p.cfg.PersistRetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("persist retries exhausted: %w", lastErr)
}

// isRetryablePersistError 区分可重试的存储失败与不可重试的事件本身无效
//
// INVALID_EVENT 表示事件永远无法成功（缺字段/校验失败），重试没有意义；
// 其余错误码视为暂时性存储失败，值得重试。
func isRetryablePersistError(err error) bool {
	var storeErr *eventing.EventStoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code != eventing.ErrCodeInvalidEvent
	}
	return true
}

// updateViews 对该 event_type 注册的每个 updater 执行 atomic_update（§4.3 UPDATE_VIEW, §4.4）
func (p *Pipeline) updateViews(ctx context.Context, event *eventing.Event) error {
	updaters := p.updaters.For(event.GetType())
	var firstErr error
	for _, u := range updaters {
		key, ok := u.ExtractKey(event)
		if !ok {
			continue
		}
		err := p.viewStore.AtomicUpdate(ctx, u.ViewName(), key, func(current *view.Record) ([]byte, error) {
			return u.Reduce(event, current)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// publish 发布到 {domain}_EVENTS 主题，must-deliver 事件改走 Outbox（§4.3 PUBLISH）
func (p *Pipeline) publish(ctx context.Context, event *eventing.Event) error {
	mustDeliver := p.cfg.MustDeliver != nil && p.cfg.MustDeliver(event)
	if !mustDeliver {
		return p.eventBus.PublishEvent(ctx, event)
	}

	if p.outboxRepo == nil || p.cfg.OutboxEntryIDFunc == nil {
		return fmt.Errorf("must-deliver event %s requires an outbox repository and id allocator", event.GetID())
	}

	entryID, err := p.cfg.OutboxEntryIDFunc()
	if err != nil {
		return fmt.Errorf("allocate outbox entry id: %w", err)
	}
	return p.outboxRepo.StageWithEvent(ctx, entryID, p.domain, event.GetKey(), event)
}

// complete 写入 (event_id -> completion_marker)，唤醒等待该事件的调用方（§4.3 COMPLETE）
func (p *Pipeline) complete(event *eventing.Event) {
	p.markers.mark(event.GetID())
}
