// Package view implements the materialized view store: a keyed projection
// table that is incrementally updated from events and can be rebuilt by
// replay.
package view

import (
	"context"
	"errors"
)

// ErrNotFound 表示 (view, key) 不存在
var ErrNotFound = errors.New("view: record not found")

// Deleted 是 atomic_update 的删除哨兵：updater 返回它表示应删除当前记录
var Deleted = errors.New("view: delete sentinel")

// Unchanged 是 atomic_update 的不变哨兵：updater 返回它表示跳过本次更新，
// 保留当前记录不变（用于 updater 收到不认识的 event_type 时）。
var Unchanged = errors.New("view: unchanged sentinel")

// Record 一条投影记录：payload 是调用方自行序列化/反序列化的 JSON 文档
type Record struct {
	View      string
	Key       string
	Payload   []byte
	UpdatedAt int64 // unix nano；由存储在写入时盖章
}

// UpdateFunc 观察当前记录（nil 表示不存在）返回下一条记录
//
// 返回 (nil, Deleted) 删除当前记录；返回 (nil, Unchanged) 保持不变；
// 其他非 nil error 中止更新，存储保持原值不动。
type UpdateFunc func(current *Record) (next []byte, err error)

// Visitor 在 Scan 遍历期间对每条记录调用一次；返回非 nil error 中止遍历
type Visitor func(record Record) error

// IStore 定义 Materialized View Store 的核心接口
//
// 保证：per-key atomic update；scan 在单个分区内快照一致，但不保证跨分区
// 全局一致（§4.2）。
type IStore interface {
	Get(ctx context.Context, view, key string) (*Record, error)
	Put(ctx context.Context, view, key string, payload []byte) error
	Delete(ctx context.Context, view, key string) error
	Clear(ctx context.Context, view string) error
	Scan(ctx context.Context, view string, visitor Visitor) error
	// AtomicUpdate 对 (view,key) 做一次比较并交换式更新：fn 观察当前值，
	// 返回下一个 payload（或 Deleted/Unchanged 哨兵）。
	AtomicUpdate(ctx context.Context, view, key string, fn UpdateFunc) error
}
