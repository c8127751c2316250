package gorm

import (
	"database/sql/driver"
	"fmt"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// JSONPayload 以 string 写入、以 []byte 读出的 JSON 列
type JSONPayload []byte

// Value 实现 driver.Valuer 接口
func (j JSONPayload) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONPayload) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = make([]byte, len(v))
		copy(*j, v)
		return nil
	case string:
		*j = []byte(v)
		return nil
	default:
		return fmt.Errorf("JSONPayload.Scan: unsupported type %T", value)
	}
}

// AggregateModel 聚合快照，version 列承担乐观并发检查
type AggregateModel struct {
	ID        string      `gorm:"type:varchar(255);primaryKey;comment:聚合ID"`
	Type      string      `gorm:"type:varchar(100);not null;comment:聚合类型"`
	Version   int64       `gorm:"type:bigint;not null;comment:聚合版本"`
	State     JSONPayload `gorm:"type:longtext;comment:聚合快照"`
	CreatedAt time.Time   `gorm:"not null"`
	UpdatedAt time.Time   `gorm:"not null"`
}

func (AggregateModel) TableName() string {
	return "cqrs_aggregates"
}

// EventModel 已提交的领域事件，(aggregate_id, version) 唯一
type EventModel struct {
	ID                 string      `gorm:"type:char(36);primaryKey;comment:事件ID"`
	AggregateID        string      `gorm:"type:varchar(255);not null;uniqueIndex:idx_aggregate_version,priority:1;comment:聚合ID"`
	AggregateType      string      `gorm:"type:varchar(100);not null;comment:聚合类型"`
	Version            int64       `gorm:"type:bigint;not null;uniqueIndex:idx_aggregate_version,priority:2;comment:事件版本"`
	Type               string      `gorm:"type:varchar(100);not null;comment:事件类型"`
	Payload            JSONPayload `gorm:"type:longtext;comment:事件负载"`
	CausationCommandID string      `gorm:"type:varchar(64);not null;index:idx_causation;comment:产生事件的命令ID"`
	CorrelationID      string      `gorm:"type:varchar(64);comment:关联ID"`
	OccurredAt         time.Time   `gorm:"not null"`
}

func (EventModel) TableName() string {
	return "cqrs_events"
}

// CommandModel 已处理命令，命令ID唯一，重复投递时据此重放
type CommandModel struct {
	CommandID   string      `gorm:"type:varchar(64);primaryKey;comment:命令ID"`
	Events      JSONPayload `gorm:"type:longtext;comment:本次提交的事件"`
	Reply       JSONPayload `gorm:"type:longtext;comment:处理结果"`
	CommittedAt time.Time   `gorm:"not null"`
}

func (CommandModel) TableName() string {
	return "cqrs_commands"
}

func fromEvent(e *message.DomainEvent) *EventModel {
	return &EventModel{
		ID:                 e.ID,
		AggregateID:        e.AggregateID,
		AggregateType:      e.AggregateType,
		Version:            e.Version,
		Type:               e.Type,
		Payload:            JSONPayload(e.Payload),
		CausationCommandID: e.CausationCommandID,
		CorrelationID:      e.CorrelationID,
		OccurredAt:         e.OccurredAt,
	}
}

func (m *EventModel) toEvent() *message.DomainEvent {
	return &message.DomainEvent{
		ID:                 m.ID,
		AggregateID:        m.AggregateID,
		AggregateType:      m.AggregateType,
		Version:            m.Version,
		Type:               m.Type,
		Payload:            jxtjson.RawMessage(m.Payload),
		CausationCommandID: m.CausationCommandID,
		CorrelationID:      m.CorrelationID,
		OccurredAt:         m.OccurredAt,
	}
}
