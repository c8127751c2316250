package domain

import (
	"context"
	"sync"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// MemoryRepository 内存仓储，用于测试和单进程部署
type MemoryRepository struct {
	mu         sync.RWMutex
	aggregates map[string]*memoryAggregate
	events     map[string][]*message.DomainEvent
	commands   map[string]*CommandRecord
}

type memoryAggregate struct {
	typ     string
	version int64
	state   []byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		aggregates: make(map[string]*memoryAggregate),
		events:     make(map[string][]*message.DomainEvent),
		commands:   make(map[string]*CommandRecord),
	}
}

func (r *MemoryRepository) Load(ctx context.Context, id string, agg Aggregate) error {
	r.mu.RLock()
	rec, ok := r.aggregates[id]
	if !ok {
		r.mu.RUnlock()
		return ErrAggregateNotFound
	}
	typ, version, state := rec.typ, rec.version, rec.state
	r.mu.RUnlock()

	return Restore(agg, id, typ, version, state)
}

func (r *MemoryRepository) Commit(ctx context.Context, commit *Commit) error {
	if err := ValidateCommit(commit); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.commands[commit.CommandID]; ok {
		return ErrCommandAlreadyProcessed
	}

	for _, ch := range commit.Changes {
		var actual int64
		if rec, ok := r.aggregates[ch.AggregateID]; ok {
			actual = rec.version
		}
		if actual != ch.ExpectedVersion {
			return &ConcurrencyConflictError{AggregateID: ch.AggregateID, Expected: ch.ExpectedVersion, Actual: actual}
		}
	}

	for _, ch := range commit.Changes {
		r.aggregates[ch.AggregateID] = &memoryAggregate{
			typ:     ch.AggregateType,
			version: ch.NewVersion(),
			state:   append([]byte(nil), ch.State...),
		}
		r.events[ch.AggregateID] = append(r.events[ch.AggregateID], ch.Events...)
	}
	r.commands[commit.CommandID] = &CommandRecord{
		CommandID:   commit.CommandID,
		Events:      commit.Events(),
		Reply:       commit.Reply,
		CommittedAt: commit.CommittedAt,
	}
	return nil
}

func (r *MemoryRepository) FindCommand(ctx context.Context, commandID string) (*CommandRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.commands[commandID]
	return rec, ok, nil
}

// Events 某个聚合已提交的全部事件
func (r *MemoryRepository) Events(aggregateID string) []*message.DomainEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*message.DomainEvent(nil), r.events[aggregateID]...)
}

// Version 聚合当前版本，不存在时为 0
func (r *MemoryRepository) Version(aggregateID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.aggregates[aggregateID]; ok {
		return rec.version
	}
	return 0
}
