// Package outbox 实现 Outbox Pattern，确保 Pipeline 写入与事件发布之间的
// 最终一致性：业务写入与待发布记录在同一数据库事务中落盘，发布失败不丢事件。
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"eventflow/eventing"
)

// Status 表示 Outbox 记录的状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Entry 表示一条待发布的事件记录
type Entry struct {
	ID          int64      `json:"id"`
	Domain      string     `json:"domain"`
	Key         string     `json:"key"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	EventData   string     `json:"event_data"` // JSON 序列化的 eventing.Event
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// TableName 返回数据库表名
func (Entry) TableName() string { return "event_outbox" }

// ToEvent 将记录反序列化回事件
func (e *Entry) ToEvent() (*eventing.Event, error) {
	var evt eventing.Event
	if err := json.Unmarshal([]byte(e.EventData), &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// CalculateNextRetryTime 计算下次重试时间（指数退避，封顶 2^5）
func (e *Entry) CalculateNextRetryTime(baseInterval time.Duration) time.Time {
	retryCount := e.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 5 {
		retryCount = 5
	}
	return time.Now().Add(baseInterval * time.Duration(int64(1)<<uint(retryCount)))
}

// IRepository 定义 Outbox 仓储接口
type IRepository interface {
	// StageWithEvent 在同一事务中把事件写入事件日志、并把一条 Outbox 记录
	// 写入同一张数据库事务，id 由调用方预先分配（见 codegen/snowflake）。
	StageWithEvent(ctx context.Context, entryID int64, domain, key string, event *eventing.Event) error

	// GetPending 取出待发布记录：pending，或者 failed 且已到下次重试时间
	GetPending(ctx context.Context, limit int) ([]Entry, error)

	MarkPublished(ctx context.Context, entryID int64) error
	MarkFailed(ctx context.Context, entryID int64, errMsg string, nextRetryAt time.Time) error

	// DeletePublished 清理已发布且超过保留期的记录
	DeletePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config 配置发布与清理的节奏
type Config struct {
	PublishInterval time.Duration
	BatchSize       int
	MaxRetries      int
	RetryInterval   time.Duration
	CleanupInterval time.Duration
	RetentionPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		PublishInterval: 5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		RetryInterval:   30 * time.Second,
		CleanupInterval: time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}
