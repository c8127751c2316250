package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

var (
	// ErrAggregateNotFound 聚合不存在
	ErrAggregateNotFound = errors.New("aggregate not found")
	// ErrConcurrencyConflict 提交时版本检查失败，调用方应以新的工作单元重试
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrCommandAlreadyProcessed 命令ID已经随一次提交记录过
	ErrCommandAlreadyProcessed = errors.New("command already processed")
	// ErrForeignAggregate 工作单元只能为命令所属的聚合产生事件
	ErrForeignAggregate = errors.New("events raised on an aggregate other than the command's")
)

// LoadError 仓储读取失败，与聚合是否存在无关，重新投递后可能成功
type LoadError struct {
	AggregateID string
	Err         error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load aggregate %s: %v", e.AggregateID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ConcurrencyConflictError 版本检查失败的详情，errors.Is(err, ErrConcurrencyConflict) 为 true
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, found %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Change 一个聚合在本次提交中的变化
type Change struct {
	AggregateID     string
	AggregateType   string
	ExpectedVersion int64 // 加载时的版本，0 表示新建
	State           jxtjson.RawMessage
	Events          []*message.DomainEvent
}

// NewVersion 提交后的版本，即最后一个事件的版本
func (c Change) NewVersion() int64 {
	if n := len(c.Events); n > 0 {
		return c.Events[n-1].Version
	}
	return c.ExpectedVersion
}

// Commit 原子提交：聚合状态、事件、命令记录要么全部写入，要么全部不写
type Commit struct {
	CommandID   string
	Changes     []Change
	Reply       jxtjson.RawMessage
	CommittedAt time.Time
}

// Events 本次提交的全部事件，按聚合和版本顺序
func (c *Commit) Events() []*message.DomainEvent {
	var out []*message.DomainEvent
	for _, ch := range c.Changes {
		out = append(out, ch.Events...)
	}
	return out
}

// CommandRecord 已处理命令的记录，重复投递时用于重放事件和回复
type CommandRecord struct {
	CommandID   string                 `json:"commandId"`
	Events      []*message.DomainEvent `json:"events"`
	Reply       jxtjson.RawMessage     `json:"reply,omitempty"`
	CommittedAt time.Time              `json:"committedAt"`
}

// Repository 命令侧仓储
//
// Commit 对每个 Change 做版本检查，不一致时返回 *ConcurrencyConflictError；
// 命令ID已存在时返回 ErrCommandAlreadyProcessed。
type Repository interface {
	Load(ctx context.Context, id string, agg Aggregate) error
	Commit(ctx context.Context, commit *Commit) error
	FindCommand(ctx context.Context, commandID string) (*CommandRecord, bool, error)
}

// Restore 仓储加载时使用：解码快照并绑定身份和版本
func Restore(agg Aggregate, id, aggregateType string, version int64, state []byte) error {
	if len(state) > 0 {
		if err := jxtjson.Unmarshal(state, agg); err != nil {
			return fmt.Errorf("restore aggregate %s: %w", id, err)
		}
	}
	agg.Root().Bind(id, aggregateType, version)
	return nil
}

// validateChange 版本必须从 ExpectedVersion+1 连续递增
func validateChange(ch Change) error {
	if ch.AggregateID == "" {
		return errors.New("change without aggregate id")
	}
	next := ch.ExpectedVersion + 1
	for _, evt := range ch.Events {
		if evt.AggregateID != ch.AggregateID {
			return fmt.Errorf("event %s belongs to %s, not %s", evt.ID, evt.AggregateID, ch.AggregateID)
		}
		if evt.Version != next {
			return fmt.Errorf("event %s of %s has version %d, want %d", evt.ID, ch.AggregateID, evt.Version, next)
		}
		next++
	}
	return nil
}

// ValidateCommit 校验提交内容，供各仓储实现在写入前调用
func ValidateCommit(c *Commit) error {
	if c == nil || c.CommandID == "" {
		return errors.New("commit without command id")
	}
	seen := make(map[string]bool, len(c.Changes))
	for _, ch := range c.Changes {
		if seen[ch.AggregateID] {
			return fmt.Errorf("aggregate %s appears twice in one commit", ch.AggregateID)
		}
		seen[ch.AggregateID] = true
		if err := validateChange(ch); err != nil {
			return err
		}
	}
	return nil
}
