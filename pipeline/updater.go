package pipeline

import (
	"sync"

	"eventflow/eventing"
	"eventflow/view"
)

// ViewUpdater 是 §4.4 定义的 Materialized View updater 契约：
// 一个按 event_type 注册的 key extractor + reducer 对。
//
// Reduce 必须是其两个输入的纯函数：只依赖 event 和 current，不做 I/O
// （读取其它 view 除外，且必须作为声明的依赖容忍冷启动时的缺失）。对未知
// event_type 不会被调用（Registry 按 EventType() 过滤）；对已知但与当前
// reducer 无关的事件，实现应返回 view.Unchanged。
type ViewUpdater interface {
	// EventType 声明这个 updater 关心哪个 event_type
	EventType() string
	// ViewName 返回这个 updater 维护的视图名称
	ViewName() string
	// ExtractKey 从事件推导视图 key；返回 false 表示这个事件虽然类型匹配
	// 但不适用（例如 payload 缺少必要字段）
	ExtractKey(event *eventing.Event) (key string, ok bool)
	// Reduce 观察当前视图记录，返回下一条记录的 payload，或 view.Deleted /
	// view.Unchanged 哨兵
	Reduce(event *eventing.Event, current *view.Record) ([]byte, error)
}

// UpdaterRegistry 按 event_type 索引已注册的 updater
type UpdaterRegistry struct {
	mu       sync.RWMutex
	byType   map[string][]ViewUpdater
	allNames map[string]struct{}
}

func NewUpdaterRegistry() *UpdaterRegistry {
	return &UpdaterRegistry{
		byType:   make(map[string][]ViewUpdater),
		allNames: make(map[string]struct{}),
	}
}

func (r *UpdaterRegistry) Register(u ViewUpdater) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byType[u.EventType()] = append(r.byType[u.EventType()], u)
	r.allNames[u.ViewName()] = struct{}{}
}

// For 返回对给定 event_type 生效的 updater（没有命中则是空切片）
func (r *UpdaterRegistry) For(eventType string) []ViewUpdater {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ViewUpdater(nil), r.byType[eventType]...)
}

// ViewNames 返回所有已注册 updater 涉及的视图名（去重），rebuild_views 清空
// 视图时据此枚举
func (r *UpdaterRegistry) ViewNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.allNames))
	for name := range r.allNames {
		names = append(names, name)
	}
	return names
}

// EventTypes 返回所有已注册的 event_type（去重）
func (r *UpdaterRegistry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	return types
}
