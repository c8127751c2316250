package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/event"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

const (
	createProduct = "CreateProduct"
	reduceProduct = "ReduceProduct"
	testQueue     = "commands"
	testReplies   = "replies"
	testTopic     = "events"
)

var errInsufficientStock = errors.New("insufficient stock")

type product struct {
	domain.AggregateRoot
	Count int `json:"count"`
}

func (p *product) AggregateType() string { return "product" }

type createPayload struct {
	Count int `json:"count"`
}

type reducePayload struct {
	ReduceCount int `json:"reduceCount"`
}

func productRegistry() *handler.Registry {
	r := handler.NewRegistry()
	r.MustRegisterCommand(createProduct, handler.Command(func(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command, in createPayload) (interface{}, error) {
		p := &product{Count: in.Count}
		if err := uow.Create(cmd.AggregateID, p); err != nil {
			return nil, err
		}
		if err := p.Raise("ProductCreated", in); err != nil {
			return nil, err
		}
		return map[string]int{"count": p.Count}, nil
	}))
	r.MustRegisterCommand(reduceProduct, handler.Command(func(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command, in reducePayload) (interface{}, error) {
		p := &product{}
		if err := uow.Load(ctx, cmd.AggregateID, p); err != nil {
			return nil, err
		}
		if p.Count < in.ReduceCount {
			return nil, fmt.Errorf("%w: have %d, want %d", errInsufficientStock, p.Count, in.ReduceCount)
		}
		p.Count -= in.ReduceCount
		if err := p.Raise("ProductReduced", map[string]int{"reduceCount": in.ReduceCount, "count": p.Count}); err != nil {
			return nil, err
		}
		return map[string]int{"count": p.Count}, nil
	}))
	return r
}

func newCommand(t *testing.T, aggregateID, commandType string, payload interface{}) *message.Command {
	t.Helper()
	cmd, err := message.NewCommand(aggregateID, commandType, payload)
	require.NoError(t, err)
	return cmd
}

// recordingPublisher 记录发布的事件，err 非空时发布失败
type recordingPublisher struct {
	mu     sync.Mutex
	events []*message.DomainEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, events []*message.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *recordingPublisher) published() []*message.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.DomainEvent(nil), p.events...)
}

func fastRetry() transport.RetryPolicy {
	return transport.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func commandConfig(partitions int) config.CommandConfig {
	return config.CommandConfig{
		Queue:        testQueue,
		Partitions:   partitions,
		ReplyTopic:   testReplies,
		ReplyTimeout: 5 * time.Second,
	}
}

// stack 内存传输上的完整命令链路
type stack struct {
	mem        *transport.Memory
	shared     *transport.Shared
	repo       *domain.MemoryRepository
	publisher  *event.Publisher
	dispatcher *Dispatcher
	pool       *ConsumerPool
	bus        *Bus
}

func newStack(t *testing.T, partitions int, withConsumers bool, busOpts ...BusOption) *stack {
	t.Helper()
	ctx := context.Background()
	mem := transport.NewMemory()
	s := &stack{mem: mem, shared: transport.NewShared(mem), repo: domain.NewMemoryRepository()}
	reg := productRegistry()

	var err error
	s.publisher, err = event.NewPublisher(s.shared, []string{testTopic})
	require.NoError(t, err)
	s.dispatcher, err = NewDispatcher(s.repo, reg, s.publisher)
	require.NoError(t, err)
	s.pool, err = NewConsumerPool(s.shared, s.dispatcher, testQueue, partitions,
		WithConsumerRetry(fastRetry()), WithConsumerRedeliveryDelay(time.Millisecond))
	require.NoError(t, err)
	s.bus, err = NewBus(s.shared, reg, commandConfig(partitions), "test", append([]BusOption{WithBusRetry(fastRetry())}, busOpts...)...)
	require.NoError(t, err)

	require.NoError(t, s.publisher.Start(ctx))
	if withConsumers {
		require.NoError(t, s.pool.Start(ctx))
	}
	require.NoError(t, s.bus.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.bus.Stop(stopCtx)
		_ = s.pool.Stop(stopCtx)
		_ = s.publisher.Stop(stopCtx)
	})
	return s
}
