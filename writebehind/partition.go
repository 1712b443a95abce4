package writebehind

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"eventflow/logging"
)

// pendingWrite is one coalesced entry awaiting flush: the latest value for
// a key plus the attempt count that parkBatch reports to the dead-letter
// sink.
type pendingWrite struct {
	record   Record
	attempts int
}

// partition owns one shard of the keyspace: a bounded hot-tier LRU cache
// for settled reads, a coalescing map of writes awaiting flush, and the
// single worker goroutine that flushes them (§5 "single logical worker
// processes events in order" per partition).
type partition struct {
	id  int
	cfg Config

	durable    DurableTier
	deadLetter DeadLetterSink
	metrics    *Metrics
	log        logging.ILogger

	hot *lru.Cache[string, Record]

	mu          sync.Mutex
	pending     map[string]*pendingWrite
	oldestEnq   time.Time
	queueTokens chan struct{} // bounds queue depth for backpressure

	flushNow chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newPartition(id int, cfg Config, durable DurableTier, deadLetter DeadLetterSink, metrics *Metrics, log logging.ILogger) *partition {
	p := &partition{
		id: id, cfg: cfg, durable: durable, deadLetter: deadLetter, metrics: metrics, log: log,
		pending:  make(map[string]*pendingWrite),
		flushNow: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	maxSize := cfg.HotCacheMaxPerPart
	if maxSize <= 0 {
		maxSize = DefaultConfig().HotCacheMaxPerPart
	}
	hot, err := lru.NewWithEvict[string, Record](maxSize, func(key string, value Record) {
		metrics.incEviction(id)
	})
	if err != nil {
		// maxSize is always > 0 by the guard above; NewWithEvict only
		// fails for size <= 0.
		panic(fmt.Sprintf("writebehind: hot-tier cache init: %v", err))
	}
	p.hot = hot
	if cfg.QueueCapacity > 0 {
		p.queueTokens = make(chan struct{}, cfg.QueueCapacity)
	}
	return p
}

func (p *partition) hotSet(rec Record) {
	p.hot.Add(rec.partitionKey(), rec)
}

// hotSetReadThrough installs a durable-tier hit into the hot cache without
// disturbing pending-write bookkeeping.
func (p *partition) hotSetReadThrough(rec Record) {
	p.hot.Add(rec.partitionKey(), rec)
}

func (p *partition) hotGet(domain, key string) (Record, bool) {
	return p.hot.Get(Record{Domain: domain, Key: key}.partitionKey())
}

// enqueue coalesces rec into the pending batch, keeping the latest value
// per key (last-writer-wins in enqueue order, §4.10 "Ordering"), and blocks
// up to BackpressureWait if the partition's queue is already full.
func (p *partition) enqueue(ctx context.Context, rec Record) error {
	if p.queueTokens != nil {
		select {
		case p.queueTokens <- struct{}{}:
		default:
			wait := p.cfg.BackpressureWait
			if wait <= 0 {
				return ErrBackpressure
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case p.queueTokens <- struct{}{}:
			case <-timer.C:
				return ErrBackpressure
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	p.mu.Lock()
	key := rec.partitionKey()
	if _, existed := p.pending[key]; !existed {
		if len(p.pending) == 0 {
			p.oldestEnq = time.Now()
		}
	} else if p.queueTokens != nil {
		// coalesced into an existing pending key: release the extra token,
		// the batch still only holds one entry for this key.
		<-p.queueTokens
	}
	p.pending[key] = &pendingWrite{record: rec}
	size := len(p.pending)
	p.mu.Unlock()

	p.metrics.setQueueDepth(p.id, size)

	if size >= p.cfg.BatchSize {
		select {
		case p.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *partition) start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *partition) loop(ctx context.Context) {
	delay := p.cfg.WriteDelay
	if delay <= 0 {
		delay = DefaultConfig().WriteDelay
	}
	ticker := time.NewTicker(delay)
	defer func() {
		ticker.Stop()
		close(p.doneCh)
	}()

	for {
		select {
		case <-p.stopCh:
			p.flush(context.Background())
			return
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-ticker.C:
			p.flush(ctx)
		case <-p.flushNow:
			p.flush(ctx)
		}
	}
}

func (p *partition) stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush drains the pending batch and upserts it to the durable tier in one
// transaction; on failure it retries with backoff, and after MaxAttempts
// routes the still-failing keys to the dead-letter sink (§4.10 "Failure
// modes").
func (p *partition) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = make(map[string]*pendingWrite)
	p.mu.Unlock()

	if p.queueTokens != nil {
		for range batch {
			select {
			case <-p.queueTokens:
			default:
			}
		}
	}
	p.metrics.setQueueDepth(p.id, 0)

	records := make([]Record, 0, len(batch))
	for _, w := range batch {
		records = append(records, w.record)
	}

	start := time.Now()
	err := p.flushWithRetry(ctx, records)
	p.metrics.observeFlush(time.Since(start), err != nil)

	if err != nil {
		p.log.Error(ctx, "write-behind partition flush failed after retries",
			logging.Error(err), logging.Int("partition", p.id), logging.Int("records", len(records)))
		p.parkBatch(ctx, batch, err)
	}
}

func (p *partition) flushWithRetry(ctx context.Context, records []Record) error {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultConfig().MaxAttempts
	}
	backoff := p.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultConfig().InitialBackoff
	}
	multiplier := p.cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = DefaultConfig().BackoffMultiplier
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.durable.UpsertBatch(ctx, records); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}
		wait := time.Duration(float64(backoff) * pow(multiplier, float64(attempt-1)))
		wait += time.Duration(rand.Float64() * 0.1 * float64(wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

func (p *partition) parkBatch(ctx context.Context, batch map[string]*pendingWrite, reason error) {
	if p.deadLetter == nil {
		return
	}
	for _, w := range batch {
		w.attempts++
		if err := p.deadLetter.Park(ctx, w.record, reason.Error(), w.attempts); err != nil {
			p.log.Error(ctx, "write-behind dead-letter park failed", logging.Error(err),
				logging.String("domain", w.record.Domain), logging.String("key", w.record.Key))
			continue
		}
		p.metrics.incDeadLettered(p.id)
	}
}

func pow(base, exp float64) float64 {
	if exp <= 0 {
		return 1
	}
	result := base
	for i := 1; i < int(exp); i++ {
		result *= base
	}
	return result
}
