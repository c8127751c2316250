package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// ErrAlreadyTracked 同一个工作单元里重复加载或创建同一聚合
var ErrAlreadyTracked = errors.New("aggregate already tracked by this unit of work")

// UnitOfWork 一次命令处理尝试的工作单元
//
// 每次尝试都使用新的工作单元，冲突重试时之前加载的聚合全部丢弃。
// 工作单元不是并发安全的，只在一个处理器调用内使用。
type UnitOfWork struct {
	repo    Repository
	command *message.Command
	tracked map[string]*tracked
	order   []string
	done    bool
}

type tracked struct {
	agg      Aggregate
	expected int64
}

func NewUnitOfWork(repo Repository, cmd *message.Command) *UnitOfWork {
	return &UnitOfWork{
		repo:    repo,
		command: cmd,
		tracked: make(map[string]*tracked),
	}
}

// Command 正在处理的命令
func (u *UnitOfWork) Command() *message.Command {
	return u.command
}

// Load 从仓储加载聚合并纳入工作单元
func (u *UnitOfWork) Load(ctx context.Context, id string, agg Aggregate) error {
	if _, ok := u.tracked[id]; ok {
		return fmt.Errorf("load %s: %w", id, ErrAlreadyTracked)
	}
	if err := u.repo.Load(ctx, id, agg); err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			return err
		}
		return &LoadError{AggregateID: id, Err: err}
	}
	u.track(id, agg, agg.Root().Version())
	return nil
}

// Create 把新聚合纳入工作单元，提交时若已存在同ID聚合则按并发冲突处理
func (u *UnitOfWork) Create(id string, agg Aggregate) error {
	if id == "" {
		return errors.New("create aggregate: id is required")
	}
	if _, ok := u.tracked[id]; ok {
		return fmt.Errorf("create %s: %w", id, ErrAlreadyTracked)
	}
	agg.Root().Bind(id, TypeOf(agg), 0)
	u.track(id, agg, 0)
	return nil
}

func (u *UnitOfWork) track(id string, agg Aggregate, expected int64) {
	u.tracked[id] = &tracked{agg: agg, expected: expected}
	u.order = append(u.order, id)
}

// Commit 提交所有产生了事件的聚合，同时记录命令ID和回复
//
// 没有产生事件的聚合不写入状态；一个事件都没有时只记录命令ID。
// 其他聚合只能读取，为它们产生事件时返回 ErrForeignAggregate。
// 返回本次提交的事件，按聚合纳入顺序和版本排列。
func (u *UnitOfWork) Commit(ctx context.Context, reply jxtjson.RawMessage) ([]*message.DomainEvent, error) {
	if u.done {
		return nil, errors.New("unit of work already committed")
	}

	commit := &Commit{
		CommandID:   u.command.ID,
		Reply:       reply,
		CommittedAt: time.Now().UTC(),
	}
	for _, id := range u.order {
		t := u.tracked[id]
		root := t.agg.Root()
		events := root.PendingEvents()
		if len(events) == 0 {
			continue
		}
		if id != u.command.AggregateID {
			return nil, fmt.Errorf("%w: command %s targets %s, events raised on %s",
				ErrForeignAggregate, u.command.ID, u.command.AggregateID, id)
		}
		state, err := jxtjson.Marshal(t.agg)
		if err != nil {
			return nil, fmt.Errorf("snapshot aggregate %s: %w", id, err)
		}
		for _, evt := range events {
			evt.AggregateType = root.Type()
			evt.CausationCommandID = u.command.ID
			evt.CorrelationID = u.command.CorrelationID
		}
		commit.Changes = append(commit.Changes, Change{
			AggregateID:     id,
			AggregateType:   root.Type(),
			ExpectedVersion: t.expected,
			State:           state,
			Events:          events,
		})
	}

	if err := u.repo.Commit(ctx, commit); err != nil {
		return nil, err
	}

	u.done = true
	for _, id := range u.order {
		u.tracked[id].agg.Root().markCommitted()
	}
	return commit.Events(), nil
}
