package view

import (
	"context"
	"sync"
	"time"
)

// partition 单个视图下按 key 存放的记录
type partition struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func newPartition() *partition {
	return &partition{records: make(map[string]*Record)}
}

// MemoryStore 进程内视图存储，per-view 分区各自加锁，跨视图互不阻塞
type MemoryStore struct {
	mu    sync.RWMutex
	views map[string]*partition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{views: make(map[string]*partition)}
}

func (m *MemoryStore) partitionFor(view string) *partition {
	m.mu.RLock()
	p, ok := m.views[view]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = m.views[view]; ok {
		return p
	}
	p = newPartition()
	m.views[view] = p
	return p
}

func (m *MemoryStore) Get(ctx context.Context, view, key string) (*Record, error) {
	p := m.partitionFor(view)
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryStore) Put(ctx context.Context, view, key string, payload []byte) error {
	p := m.partitionFor(view)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records[key] = &Record{View: view, Key: key, Payload: payload, UpdatedAt: time.Now().UnixNano()}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, view, key string) error {
	p := m.partitionFor(view)
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.records, key)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, view string) error {
	p := m.partitionFor(view)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = make(map[string]*Record)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, view string, visitor Visitor) error {
	p := m.partitionFor(view)
	p.mu.RLock()
	snapshot := make([]Record, 0, len(p.records))
	for _, rec := range p.records {
		snapshot = append(snapshot, *rec)
	}
	p.mu.RUnlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visitor(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) AtomicUpdate(ctx context.Context, view, key string, fn UpdateFunc) error {
	p := m.partitionFor(view)
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.records[key]
	next, err := fn(current)
	switch err {
	case nil:
		p.records[key] = &Record{View: view, Key: key, Payload: next, UpdatedAt: time.Now().UnixNano()}
		return nil
	case Deleted:
		delete(p.records, key)
		return nil
	case Unchanged:
		return nil
	default:
		return err
	}
}

var _ IStore = (*MemoryStore)(nil)
