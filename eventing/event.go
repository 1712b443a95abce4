package eventing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventflow/messaging"
)

// IEvent 基础事件接口（用于事件传输/路由）
//
// 字段含义见 SagaMeta 与 Event 的说明；GetKey 与 GetDomain 共同决定事件在
// Event Log 中的分区：同一 (domain, key) 的事件严格按 sequence_number 有序。
type IEvent interface {
	messaging.IMessage

	GetDomain() string
	GetKey() string
	GetEventVersion() string
	GetSource() string
	GetCorrelationID() string
	GetSagaMeta() *SagaMeta
}

// IStorableEvent 扩展事件接口（用于事件持久化）
type IStorableEvent interface {
	IEvent
	Validate() error
}

// SagaMeta 承载事件与某个 Saga 实例的关联
//
// 这是一个独立的可选结构体，而不是事件的必选基类字段：大多数事件并不参与
// 任何 Saga，把这些字段塞进事件基类会强迫所有事件携带无意义的零值。
type SagaMeta struct {
	SagaID         string `json:"saga_id,omitempty"`
	SagaType       string `json:"saga_type,omitempty"`
	StepNumber     int    `json:"step_number"`
	IsCompensating bool   `json:"is_compensating,omitempty"`
}

// Event 领域事件实现，同时实现 IEvent 与 IStorableEvent
type Event struct {
	messaging.Message
	Domain        string    `json:"domain"`
	Key           string    `json:"key"`
	EventVersion  string    `json:"event_version"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SagaMeta      *SagaMeta `json:"saga_meta,omitempty"`
}

func (e *Event) GetDomain() string        { return e.Domain }
func (e *Event) GetKey() string           { return e.Key }
func (e *Event) GetEventVersion() string  { return e.EventVersion }
func (e *Event) GetSource() string        { return e.Source }
func (e *Event) GetCorrelationID() string { return e.CorrelationID }
func (e *Event) GetSagaMeta() *SagaMeta   { return e.SagaMeta }

// Validate 校验事件是否满足 ingress 的最低要求
//
// 失败的事件在 ingress 即被拒绝，从不进入 Event Log（参见 §7 ValidationError）。
func (e *Event) Validate() error {
	if e.GetID() == "" {
		return fmt.Errorf("event_id cannot be empty")
	}
	if e.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if e.Key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if e.GetType() == "" {
		return fmt.Errorf("event_type cannot be empty")
	}
	if e.EventVersion == "" {
		return fmt.Errorf("event_version cannot be empty")
	}
	return nil
}

// NewEvent 创建新的事件信封，分配一个全局唯一的 event_id
func NewEvent(domain, key, eventType, eventVersion, source string, payload any) *Event {
	return &Event{
		Message: messaging.Message{
			ID:        uuid.NewString(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
			Metadata:  make(map[string]any),
		},
		Domain:       domain,
		Key:          key,
		EventVersion: eventVersion,
		Source:       source,
	}
}

// WithCorrelation 设置 correlation_id，返回同一实例以便链式调用
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithSaga 把事件标记为某个 Saga 步骤产生的事件
func (e *Event) WithSaga(sagaID, sagaType string, stepNumber int, isCompensating bool) *Event {
	e.SagaMeta = &SagaMeta{
		SagaID:         sagaID,
		SagaType:       sagaType,
		StepNumber:     stepNumber,
		IsCompensating: isCompensating,
	}
	return e
}

// Clone 返回事件的浅拷贝，用于在不共享可变状态的情况下传递事件
func (e *Event) Clone() *Event {
	clone := *e
	if e.SagaMeta != nil {
		meta := *e.SagaMeta
		clone.SagaMeta = &meta
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
