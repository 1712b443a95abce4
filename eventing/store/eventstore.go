package store

import (
	"context"

	"eventflow/eventing"
)

// EventVisitor 在 ReplayAll 遍历期间对每条事件调用一次
//
// globalOffset 是日志内部的写入总序位置，仅用于断点续传/进度展示；它与
// (domain,key) 分区内的 sequence 是两套独立编号，参见 MemoryEventStore 的说明。
type EventVisitor func(event *eventing.Event, sequence uint64, globalOffset uint64) error

// IEventStore 定义事件日志的核心接口
//
// 事件以 (domain, key) 分区：同一分区内的事件严格按 sequence 连续编号，
// 不允许出现空洞；不同分区之间没有隐含的先后关系，除了 ReplayAll 暴露的
// 写入总序。
type IEventStore interface {
	// Append 向指定分区追加一条事件，返回分配到的 sequence（从 1 开始）
	//
	// 若 event_id 在该 domain 下已出现过，Append 返回携带已分配 sequence
	// 的 *eventing.EventStoreError（Code 为 ErrCodeDuplicateEvent）；调用
	// 方应把它当作幂等 no-op 处理，而不是失败重试。
	Append(ctx context.Context, domain, key string, event *eventing.Event) (sequence uint64, err error)

	// GetByKey 返回某个分区内按 sequence 升序排列的全部事件
	GetByKey(ctx context.Context, domain, key string) ([]*eventing.Event, error)

	// ReplayAll 按写入顺序访问某个 domain 下的全部事件，每条恰好一次
	//
	// 顺序保证：同一 (domain,key) 内部按 sequence 升序；跨 key 之间按事件
	// 被追加到日志的先后顺序（globalOffset 升序）。visitor 返回的错误会
	// 中止遍历并原样向上返回。
	ReplayAll(ctx context.Context, domain string, visitor EventVisitor) error

	// Count 返回某个 domain 下已追加的事件总数
	Count(ctx context.Context, domain string) (int64, error)
}

// IPrunableEventStore 可选扩展：按时间修剪已经发布完成的历史事件
type IPrunableEventStore interface {
	Prune(ctx context.Context, olderThanUnixNano int64) (removed int64, err error)
}
