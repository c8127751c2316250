package message

import (
	"fmt"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
)

// 失败回复的错误类别，发送方据此还原为对应的错误类型
const (
	KindHandlerNotFound     = "handler_not_found"
	KindConcurrencyConflict = "concurrency_conflict"
	KindBusiness            = "business"
	KindInvalidCommand      = "invalid_command"
)

// Reply 命令处理结果，经回复主题按 CorrelationID 送回发送者
type Reply struct {
	CommandID     string             `json:"commandId"`
	CorrelationID string             `json:"correlationId"`
	Success       bool               `json:"success"`
	Result        jxtjson.RawMessage `json:"result,omitempty"`
	ErrorKind     string             `json:"errorKind,omitempty"`
	Error         string             `json:"error,omitempty"`
	Version       int64              `json:"version,omitempty"` // 提交后聚合的版本
	Events        int                `json:"events,omitempty"`  // 本次提交产生的事件数
	Replayed      bool               `json:"replayed,omitempty"`
	CompletedAt   time.Time          `json:"completedAt"`
}

// DecodeResult 把处理器返回的结果解析到 v
func (r *Reply) DecodeResult(v interface{}) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("reply for %s has no result", r.CommandID)
	}
	return jxtjson.Unmarshal(r.Result, v)
}

func (r *Reply) Marshal() ([]byte, error) {
	return jxtjson.Marshal(r)
}

func UnmarshalReply(data []byte) (*Reply, error) {
	var r Reply
	if err := jxtjson.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if r.CorrelationID == "" {
		return nil, fmt.Errorf("decode reply: correlationId is required")
	}
	return &r, nil
}
