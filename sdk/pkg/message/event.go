package message

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
)

// DomainEvent 领域事件，只由已提交的命令产生
// 同一聚合的 Version 严格递增且连续
type DomainEvent struct {
	ID                 string             `json:"id"`
	AggregateID        string             `json:"aggregateId"`
	AggregateType      string             `json:"aggregateType"`
	Version            int64              `json:"version"`
	Type               string             `json:"type"`
	Payload            jxtjson.RawMessage `json:"payload,omitempty"`
	CausationCommandID string             `json:"causationCommandId"`
	CorrelationID      string             `json:"correlationId,omitempty"`
	OccurredAt         time.Time          `json:"occurredAt"`
}

// Validate 校验事件字段
func (e *DomainEvent) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id is required")
	}
	if strings.TrimSpace(e.AggregateID) == "" {
		return errors.New("event aggregateId is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("event type is required")
	}
	if e.Version <= 0 {
		return fmt.Errorf("event %s version must be positive, got %d", e.ID, e.Version)
	}
	return nil
}

// DecodePayload 把事件负载解析到 v
func (e *DomainEvent) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := jxtjson.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func (e *DomainEvent) Marshal() ([]byte, error) {
	return jxtjson.Marshal(e)
}

// UnmarshalEvent 从传输数据解码事件并校验
func UnmarshalEvent(data []byte) (*DomainEvent, error) {
	var e DomainEvent
	if err := jxtjson.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
