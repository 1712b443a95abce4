package writebehind

import (
	"sync"
	"time"
)

// Metrics tracks the write-behind counters named in §4.10: queue depth,
// flush latency, error rate, evictions per second (approximated here as a
// cumulative eviction count plus observation window, since the core has no
// metrics exporter of its own — see §1 out-of-scope "metric dashboards").
type Metrics struct {
	mu sync.Mutex

	queueDepth   map[int]int
	flushCount   int64
	flushErrors  int64
	flushLatency time.Duration
	evictions    map[int]int64
	deadLettered map[int]int64
	windowStart  time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		queueDepth:   make(map[int]int),
		evictions:    make(map[int]int64),
		deadLettered: make(map[int]int64),
		windowStart:  time.Now(),
	}
}

func (m *Metrics) setQueueDepth(partition, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth[partition] = depth
}

func (m *Metrics) observeFlush(latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCount++
	m.flushLatency = latency
	if failed {
		m.flushErrors++
	}
}

func (m *Metrics) incEviction(partition int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions[partition]++
}

func (m *Metrics) incDeadLettered(partition int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered[partition]++
}

// MetricsSnapshot is a point-in-time, immutable copy of Metrics for
// reporting.
type MetricsSnapshot struct {
	TotalQueueDepth  int
	FlushCount       int64
	FlushErrors      int64
	LastFlushLatency time.Duration
	ErrorRate        float64
	TotalEvictions   int64
	EvictionsPerSec  float64
	DeadLettered     int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{FlushCount: m.flushCount, FlushErrors: m.flushErrors, LastFlushLatency: m.flushLatency}
	for _, d := range m.queueDepth {
		snap.TotalQueueDepth += d
	}
	for _, e := range m.evictions {
		snap.TotalEvictions += e
	}
	for _, d := range m.deadLettered {
		snap.DeadLettered += d
	}
	if snap.FlushCount > 0 {
		snap.ErrorRate = float64(snap.FlushErrors) / float64(snap.FlushCount)
	}
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		snap.EvictionsPerSec = float64(snap.TotalEvictions) / elapsed
	}
	return snap
}
