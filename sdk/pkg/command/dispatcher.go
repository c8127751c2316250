// Package command routes commands from producers through partitioned queues to
// a pool of consumers, and dispatches each command to its handler.
//
// A command goes through three steps. The Bus validates it and enqueues it on
// the partition of its aggregate. The Consumer of that partition dequeues it and
// calls the Dispatcher. The Dispatcher runs the handler inside a fresh unit of
// work, retrying on optimistic concurrency conflicts, and publishes the
// committed events.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/tracing"
)

// DefaultMaxDispatchAttempts 冲突重试的默认总次数（含首次）
const DefaultMaxDispatchAttempts = 50

// Status 分发结果
type Status int

const (
	// Succeeded 已提交并发布，回复并确认
	Succeeded Status = iota
	// Failed 终态失败，回复并确认，不再重试
	Failed
	// Transient 基础设施失败，Nack 后重新投递
	Transient
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome 一次分发的结果
type Outcome struct {
	Status    Status
	CommandID string
	// Version 提交后命令所属聚合的版本，没有事件时为 0
	Version  int64
	Events   []*message.DomainEvent
	Reply    jxtjson.RawMessage
	Err      error
	Attempts int
	// Replayed 命令此前已提交过，本次只重放记录的事件和回复
	Replayed bool
	Duration time.Duration
}

// Terminal 终态结果需要回复并确认
func (o *Outcome) Terminal() bool {
	return o.Status != Transient
}

// ToReply 转换为发送给等待方的回复
func (o *Outcome) ToReply(cmd *message.Command) *message.Reply {
	r := &message.Reply{
		CommandID:     cmd.ID,
		CorrelationID: cmd.CorrelationID,
		Success:       o.Status == Succeeded,
		Result:        o.Reply,
		Version:       o.Version,
		Events:        len(o.Events),
		Replayed:      o.Replayed,
		CompletedAt:   time.Now().UTC(),
	}
	if o.Err != nil && o.Status != Succeeded {
		r.ErrorKind = errorKind(o.Err)
		r.Error = o.Err.Error()
	}
	return r
}

// EventPublisher 提交后发布事件，event.Publisher 实现了该接口
type EventPublisher interface {
	Publish(ctx context.Context, events []*message.DomainEvent) error
}

// Dispatcher 命令分发器
type Dispatcher struct {
	repo        domain.Repository
	provider    handler.Provider
	publisher   EventPublisher
	maxAttempts int
	metrics     metrics.Collector
	logger      *zap.Logger
}

// DispatcherOption 分发器选项
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts 并发冲突时的最大尝试次数（含首次）
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

func WithDispatcherMetrics(c metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = c }
}

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(repo domain.Repository, provider handler.Provider, publisher EventPublisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if repo == nil || provider == nil || publisher == nil {
		return nil, errors.New("dispatcher: repository, handler provider and publisher are required")
	}
	d := &Dispatcher{
		repo:        repo,
		provider:    provider,
		publisher:   publisher,
		maxAttempts: DefaultMaxDispatchAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxAttempts < 1 {
		d.maxAttempts = 1
	}
	d.metrics = metrics.OrNoOp(d.metrics)
	d.logger = logger.OrDefault(d.logger).Named("command.dispatcher")
	return d, nil
}

// Dispatch 处理一条命令
//
// 已提交过的命令重放记录的事件和回复；找不到处理器和业务错误是终态失败；
// 并发冲突用新的工作单元重试，达到上限后返回 *RetryExhaustedError；
// 仓储或发布失败返回 Transient，由消费者重新投递。
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *message.Command) (out *Outcome) {
	begin := time.Now()
	out = &Outcome{CommandID: cmd.ID}

	ctx, span := tracing.Tracer().Start(tracing.Extract(ctx, cmd.Headers), "command.dispatch "+cmd.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("command.id", cmd.ID),
			attribute.String("command.type", cmd.Type),
			attribute.String("aggregate.id", cmd.AggregateID),
		))
	ctx = logger.WithCommand(ctx, d.logger, cmd.ID, cmd.CorrelationID)
	log := logger.FromContext(ctx)

	defer func() {
		out.Duration = time.Since(begin)
		d.metrics.RecordDispatch(cmd.Type, out.Status.String(), out.Attempts, out.Duration)
		span.SetAttributes(
			attribute.String("command.status", out.Status.String()),
			attribute.Int("command.attempts", out.Attempts),
			attribute.Bool("command.replayed", out.Replayed),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	rec, found, err := d.repo.FindCommand(ctx, cmd.ID)
	if err != nil {
		return d.transient(out, fmt.Errorf("look up command record: %w", err))
	}
	if found {
		return d.replay(ctx, out, rec)
	}

	h, ok := d.provider.ResolveCommandHandler(cmd.Type)
	if !ok {
		out.Status = Failed
		out.Err = &HandlerNotFoundError{CommandID: cmd.ID, Type: cmd.Type}
		log.Warn("command has no handler", zap.String("type", cmd.Type))
		return out
	}

	var conflict error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		out.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return d.transient(out, err)
		}

		uow := domain.NewUnitOfWork(d.repo, cmd)
		result, err := d.invoke(ctx, h, uow, cmd)
		if err == nil {
			var reply jxtjson.RawMessage
			if reply, err = encodeResult(result); err != nil {
				out.Status = Failed
				out.Err = err
				return out
			}
			var events []*message.DomainEvent
			events, err = uow.Commit(ctx, reply)
			if err == nil {
				out.Events = events
				out.Reply = reply
				out.Version = versionOf(cmd.AggregateID, events)
				return d.publish(ctx, out)
			}
			if errors.Is(err, domain.ErrCommandAlreadyProcessed) {
				return d.replayCommitted(ctx, out, cmd.ID)
			}
			if errors.Is(err, domain.ErrForeignAggregate) {
				out.Status = Failed
				out.Err = err
				log.Error("command rejected", zap.Error(err))
				return out
			}
			if !errors.Is(err, domain.ErrConcurrencyConflict) {
				return d.transient(out, fmt.Errorf("commit: %w", err))
			}
		} else if isTransient(ctx, err) {
			return d.transient(out, fmt.Errorf("handle: %w", err))
		} else if !errors.Is(err, domain.ErrConcurrencyConflict) {
			out.Status = Failed
			out.Err = err
			log.Info("command rejected", zap.Error(err))
			return out
		}

		conflict = err
		d.metrics.RecordConflict(cmd.Type)
		log.Debug("concurrency conflict, retrying with a fresh unit of work",
			zap.Int("attempt", attempt), zap.Error(err))
	}

	out.Status = Failed
	out.Err = &RetryExhaustedError{CommandID: cmd.ID, Attempts: out.Attempts, Err: conflict}
	log.Warn("command retry exhausted", zap.Int("attempts", out.Attempts), zap.Error(conflict))
	return out
}

// isTransient 仓储读取失败或上下文结束，不是处理器的业务判断
func isTransient(ctx context.Context, err error) bool {
	var loadErr *domain.LoadError
	return errors.As(err, &loadErr) || ctx.Err() != nil
}

func (d *Dispatcher) invoke(ctx context.Context, h handler.CommandHandler, uow *domain.UnitOfWork, cmd *message.Command) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler panic: %v", r)
			logger.FromContext(ctx).Error("command handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return h.Handle(ctx, uow, cmd)
}

// replayCommitted 提交时发现命令已被另一次投递提交，读取记录后按重放处理
func (d *Dispatcher) replayCommitted(ctx context.Context, out *Outcome, commandID string) *Outcome {
	rec, found, err := d.repo.FindCommand(ctx, commandID)
	if err != nil {
		return d.transient(out, fmt.Errorf("look up command record: %w", err))
	}
	if !found {
		return d.transient(out, fmt.Errorf("command %s reported as processed but has no record", commandID))
	}
	return d.replay(ctx, out, rec)
}

// replay 重新发布已记录的事件，订阅者可能收到重复事件
func (d *Dispatcher) replay(ctx context.Context, out *Outcome, rec *domain.CommandRecord) *Outcome {
	out.Replayed = true
	out.Events = rec.Events
	out.Reply = rec.Reply
	if n := len(rec.Events); n > 0 {
		out.Version = rec.Events[n-1].Version
	}
	logger.FromContext(ctx).Info("command already processed, replaying recorded events",
		zap.Int("events", len(rec.Events)))
	return d.publish(ctx, out)
}

func (d *Dispatcher) publish(ctx context.Context, out *Outcome) *Outcome {
	if len(out.Events) > 0 {
		if err := d.publisher.Publish(ctx, out.Events); err != nil {
			return d.transient(out, fmt.Errorf("publish committed events: %w", err))
		}
	}
	out.Status = Succeeded
	return out
}

func (d *Dispatcher) transient(out *Outcome, err error) *Outcome {
	out.Status = Transient
	out.Err = err
	d.logger.Warn("command dispatch will be redelivered", zap.String("commandId", out.CommandID), zap.Error(err))
	return out
}

func encodeResult(result interface{}) (jxtjson.RawMessage, error) {
	raw, err := jxtjson.Raw(result)
	if err != nil {
		return nil, fmt.Errorf("encode handler result: %w", err)
	}
	return raw, nil
}

// versionOf 命令所属聚合在本次提交后的版本
func versionOf(aggregateID string, events []*message.DomainEvent) int64 {
	var v int64
	for _, e := range events {
		if e.AggregateID == aggregateID {
			v = e.Version
		}
	}
	if v == 0 && len(events) > 0 {
		v = events[len(events)-1].Version
	}
	return v
}
