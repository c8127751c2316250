package message

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
)

// Command 命令，创建后不可修改
//
// AggregateID 决定分区，同一聚合的命令总是由同一个消费者按顺序处理。
// CorrelationID 用于把回复路由回等待的发送者，缺省等于 ID。
type Command struct {
	ID            string             `json:"id" validate:"required"`
	AggregateID   string             `json:"aggregateId" validate:"required"`
	Type          string             `json:"type" validate:"required"`
	Payload       jxtjson.RawMessage `json:"payload,omitempty"`
	CorrelationID string             `json:"correlationId" validate:"required"`
	ReplyTo       string             `json:"replyTo,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	Headers       map[string]string  `json:"headers,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// NewID 生成 UUID v7，时钟异常时回退到 v4
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// NewCommand 创建命令，payload 会被编码为 JSON
func NewCommand(aggregateID, commandType string, payload interface{}) (*Command, error) {
	raw, err := jxtjson.Raw(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", commandType, err)
	}
	id := NewID()
	return &Command{
		ID:            id,
		AggregateID:   aggregateID,
		Type:          commandType,
		Payload:       raw,
		CorrelationID: id,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Normalize 补齐缺省的 ID、CorrelationID 和创建时间
func (c *Command) Normalize() {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = NewID()
	}
	if strings.TrimSpace(c.CorrelationID) == "" {
		c.CorrelationID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}

// Validate 校验必填字段
func (c *Command) Validate() error {
	if c == nil {
		return errors.New("command is nil")
	}
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid command: field %s failed on %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid command: %w", err)
	}
	return nil
}

// DecodePayload 把业务负载解析到 v
func (c *Command) DecodePayload(v interface{}) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("command %s has no payload", c.ID)
	}
	if err := jxtjson.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Type, err)
	}
	return nil
}

// WithHeader 返回带有附加头的副本
func (c *Command) WithHeader(key, value string) *Command {
	cp := *c
	cp.Headers = make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		cp.Headers[k] = v
	}
	cp.Headers[key] = value
	return &cp
}

func (c *Command) Header(key string) string {
	return c.Headers[key]
}

// HeaderInt 按整数读取头，无法转换时返回 0
func (c *Command) HeaderInt(key string) int {
	return cast.ToInt(c.Headers[key])
}

// Marshal 编码为传输用的 JSON
func (c *Command) Marshal() ([]byte, error) {
	return jxtjson.Marshal(c)
}

// UnmarshalCommand 从传输数据解码命令并校验
func UnmarshalCommand(data []byte) (*Command, error) {
	var c Command
	if err := jxtjson.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
