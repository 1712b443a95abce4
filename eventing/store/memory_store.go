package store

import (
	"context"
	"sync"

	"eventflow/eventing"
)

// record 一条已追加事件在内存日志中的位置
type record struct {
	event        *eventing.Event
	sequence     uint64 // 分区内编号，从 1 开始，严格连续
	globalOffset uint64 // 整个 domain 下的写入总序，用于 ReplayAll/Count
}

// domainLog 单个 domain 下的所有分区状态
type domainLog struct {
	byKey     map[string][]*record // key -> 按 sequence 升序排列的记录
	byEventID map[string]*record   // event_id -> 记录，用于整个 domain 范围内的去重
	all       []*record            // 按 globalOffset 升序排列，用于 ReplayAll/Count
}

func newDomainLog() *domainLog {
	return &domainLog{
		byKey:     make(map[string][]*record),
		byEventID: make(map[string]*record),
	}
}

// MemoryEventStore 进程内事件日志实现，仅用于测试与单实例部署
//
// 编号方案：每个 (domain,key) 分区维护自己的、从 1 开始严格连续的
// sequence；同时每个 domain 维护一个独立的 globalOffset，记录事件被
// Append 调用的先后顺序。两者不是同一个数字——sequence 保证分区内无空洞
// （§3.2 的不变量），globalOffset 保证 ReplayAll 能在跨越多个 key 时，
// 仍然给出一个确定、可重复的总序（§4.1 "ascending sequence_number,
// exactly once" 在跨 key 场景下的自然推广）。
type MemoryEventStore struct {
	mu      sync.RWMutex
	domains map[string]*domainLog
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{domains: make(map[string]*domainLog)}
}

func (m *MemoryEventStore) Append(ctx context.Context, domain, key string, event *eventing.Event) (uint64, error) {
	if event == nil {
		return 0, eventing.NewInvalidEventError("", "", "event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		return 0, eventing.NewInvalidEventErrorWithCause(event.GetID(), event.GetType(), "event validation failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.domains[domain]
	if !ok {
		dl = newDomainLog()
		m.domains[domain] = dl
	}

	if existing, dup := dl.byEventID[event.GetID()]; dup {
		return existing.sequence, eventing.NewDuplicateEventError(domain, event.GetID())
	}

	partition := dl.byKey[key]
	nextSeq := uint64(len(partition)) + 1

	rec := &record{
		event:        event.Clone(),
		sequence:     nextSeq,
		globalOffset: uint64(len(dl.all)) + 1,
	}
	dl.byKey[key] = append(partition, rec)
	dl.byEventID[event.GetID()] = rec
	dl.all = append(dl.all, rec)

	return rec.sequence, nil
}

func (m *MemoryEventStore) GetByKey(ctx context.Context, domain, key string) ([]*eventing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dl, ok := m.domains[domain]
	if !ok {
		return nil, nil
	}
	partition := dl.byKey[key]
	if len(partition) == 0 {
		return nil, nil
	}
	res := make([]*eventing.Event, len(partition))
	for i, rec := range partition {
		res[i] = rec.event.Clone()
	}
	return res, nil
}

func (m *MemoryEventStore) ReplayAll(ctx context.Context, domain string, visitor EventVisitor) error {
	m.mu.RLock()
	dl, ok := m.domains[domain]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := make([]*record, len(dl.all))
	copy(snapshot, dl.all)
	m.mu.RUnlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visitor(rec.event.Clone(), rec.sequence, rec.globalOffset); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryEventStore) Count(ctx context.Context, domain string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dl, ok := m.domains[domain]
	if !ok {
		return 0, nil
	}
	return int64(len(dl.all)), nil
}

var _ IEventStore = (*MemoryEventStore)(nil)
