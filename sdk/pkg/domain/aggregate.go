package domain

import (
	"fmt"
	"reflect"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// Aggregate 聚合根，业务聚合通过嵌入 AggregateRoot 实现该接口
//
// 聚合的状态以 JSON 快照持久化，只有导出字段会被保存。
type Aggregate interface {
	Root() *AggregateRoot
}

// Typed 可选接口，聚合自定义类型名；未实现时使用结构体名
type Typed interface {
	AggregateType() string
}

// AggregateRoot 聚合根的版本和待提交事件
type AggregateRoot struct {
	id      string
	typ     string
	version int64
	pending []*message.DomainEvent
}

func (r *AggregateRoot) Root() *AggregateRoot {
	return r
}

func (r *AggregateRoot) ID() string {
	return r.id
}

// Version 加载时的持久化版本，提交前不随 Raise 变化
func (r *AggregateRoot) Version() int64 {
	return r.version
}

func (r *AggregateRoot) Type() string {
	return r.typ
}

// Bind 由仓储在加载或创建时调用，设置聚合身份和已持久化的版本
func (r *AggregateRoot) Bind(id, aggregateType string, version int64) {
	r.id = id
	r.typ = aggregateType
	r.version = version
	r.pending = nil
}

// Raise 记录一个待提交事件，第 i 个事件（从 0 开始）的版本为 Version()+i+1
func (r *AggregateRoot) Raise(eventType string, payload interface{}) error {
	if r.id == "" {
		return fmt.Errorf("raise %s: aggregate is not bound, load or create it through the unit of work", eventType)
	}
	raw, err := jxtjson.Raw(payload)
	if err != nil {
		return fmt.Errorf("raise %s: %w", eventType, err)
	}
	r.pending = append(r.pending, &message.DomainEvent{
		ID:            message.NewID(),
		AggregateID:   r.id,
		AggregateType: r.typ,
		Version:       r.version + int64(len(r.pending)) + 1,
		Type:          eventType,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
	})
	return nil
}

// PendingEvents 尚未提交的事件，按产生顺序
func (r *AggregateRoot) PendingEvents() []*message.DomainEvent {
	return r.pending
}

// markCommitted 提交成功后推进版本并清空待提交事件
func (r *AggregateRoot) markCommitted() {
	if n := len(r.pending); n > 0 {
		r.version = r.pending[n-1].Version
	}
	r.pending = nil
}

// TypeOf 聚合的类型名
func TypeOf(agg Aggregate) string {
	if t, ok := agg.(Typed); ok {
		return t.AggregateType()
	}
	rt := reflect.TypeOf(agg)
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	return rt.Name()
}
