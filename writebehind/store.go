// Package writebehind implements Write-Behind Persistence (§4.10,
// component I): a bounded in-memory hot tier fronting a durable relational
// tier via per-partition coalescing batched writes, with read-through
// hydration on hot-tier miss.
package writebehind

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"eventflow/logging"
)

// Record is the shared write-behind shape for both event and view rows
// (§3.7): `domain`, `key`, optional `sequence`, JSON `payload`, `updated_at`.
type Record struct {
	Domain    string
	Key       string
	Sequence  *int64
	Payload   []byte
	UpdatedAt time.Time
}

func (r Record) partitionKey() string { return r.Domain + "\x00" + r.Key }

// DurableTier is the durable relational side of the write-behind pair. One
// partition flush issues exactly one UpsertBatch call inside one transaction.
type DurableTier interface {
	UpsertBatch(ctx context.Context, records []Record) error
	Get(ctx context.Context, domain, key string) (Record, bool, error)
}

// DeadLetterSink receives keys whose flush failed after MaxAttempts,
// preserving the original payload (§4.10 "Failure modes").
type DeadLetterSink interface {
	Park(ctx context.Context, record Record, reason string, attempts int) error
}

// EvictionPolicy selects which entry the hot-tier LRU cache evicts first.
// LFU is accepted by configuration (§6) but this implementation only
// supports LRU; see Config.EvictionPolicy.
type EvictionPolicy string

const (
	EvictionLRU EvictionPolicy = "lru"
	EvictionLFU EvictionPolicy = "lfu"
)

// Config mirrors the "Persistence" configuration group (§6).
type Config struct {
	PartitionCount       int
	WriteDelay           time.Duration
	BatchSize            int
	Coalesce             bool
	HotCacheMaxPerPart   int
	EvictionPolicy       EvictionPolicy
	ReadThrough          bool
	QueueCapacity        int
	BackpressureWait     time.Duration
	MaxAttempts          int
	InitialBackoff       time.Duration
	BackoffMultiplier    float64
}

func DefaultConfig() Config {
	return Config{
		PartitionCount: 8, WriteDelay: 50 * time.Millisecond, BatchSize: 100,
		Coalesce: true, HotCacheMaxPerPart: 10_000, EvictionPolicy: EvictionLRU,
		ReadThrough: true, QueueCapacity: 1000, BackpressureWait: time.Second,
		MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, BackoffMultiplier: 2.0,
	}
}

// ErrBackpressure is returned by Put when a partition's queue is full and
// stays full past BackpressureWait (§5 "Backpressure").
var ErrBackpressure = errors.New("writebehind: backpressure, queue full")

// ErrNotFound is returned by Get when the key is absent from both tiers.
var ErrNotFound = errors.New("writebehind: not found")

// Store is the hot tier plus its partitioned write-behind batchers.
type Store struct {
	cfg        Config
	durable    DurableTier
	deadLetter DeadLetterSink
	metrics    *Metrics
	log        logging.ILogger

	partitions []*partition
}

func NewStore(cfg Config, durable DurableTier, deadLetter DeadLetterSink) *Store {
	if cfg.PartitionCount <= 0 {
		cfg = DefaultConfig()
	}
	s := &Store{
		cfg: cfg, durable: durable, deadLetter: deadLetter,
		metrics: NewMetrics(), log: logging.ComponentLogger("writebehind.store"),
	}
	s.partitions = make([]*partition, cfg.PartitionCount)
	for i := range s.partitions {
		s.partitions[i] = newPartition(i, cfg, durable, deadLetter, s.metrics, s.log)
	}
	return s
}

// Start launches every partition's flush worker.
func (s *Store) Start(ctx context.Context) {
	for _, p := range s.partitions {
		p.start(ctx)
	}
}

// Shutdown drains ingress and flushes every partition's pending writes
// before returning (§5 "Shutdown drains ... flushes write-behind batches").
func (s *Store) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, p := range s.partitions {
		if err := p.stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) partitionFor(domain, key string) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return s.partitions[int(h.Sum32())%len(s.partitions)]
}

// Put updates the hot tier synchronously and enqueues the new value to its
// partition's coalescing batcher (§4.10 "Writes").
func (s *Store) Put(ctx context.Context, record Record) error {
	p := s.partitionFor(record.Domain, record.Key)
	p.hotSet(record)
	return p.enqueue(ctx, record)
}

// Get returns the current value for (domain, key): from the hot tier if
// present, otherwise from the durable tier with read-through hydration
// (§4.10 "Reads").
func (s *Store) Get(ctx context.Context, domain, key string) (Record, error) {
	p := s.partitionFor(domain, key)

	if rec, ok := p.hotGet(domain, key); ok {
		return rec, nil
	}

	rec, found, err := s.durable.Get(ctx, domain, key)
	if err != nil {
		return Record{}, fmt.Errorf("write-behind read-through: %w", err)
	}
	if !found {
		return Record{}, ErrNotFound
	}

	if s.cfg.ReadThrough {
		p.hotSetReadThrough(rec)
	}
	return rec, nil
}

// Metrics returns a point-in-time snapshot across every partition.
func (s *Store) Metrics() MetricsSnapshot { return s.metrics.Snapshot() }
