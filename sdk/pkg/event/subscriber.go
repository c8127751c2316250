package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lifecycle"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/tracing"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

// SubscriberState 订阅者状态快照
type SubscriberState struct {
	SubscriberID        string
	Topic               string
	Status              lifecycle.Status
	LastProcessedOffset int64
	LastEventID         string
	Processed           int64
	Failed              int64
}

// Subscriber 事件订阅者
//
// 一个订阅者顺序处理一个主题：处理失败的事件在 RedeliveryDelay 后重新投递，
// 成功之前后续事件不会被处理。处理成功后先保存订阅进度再确认。
type Subscriber struct {
	id        string
	topic     string
	transport *transport.Shared
	provider  handler.Provider
	store     SubscriptionStore
	inbox     Inbox
	from      transport.StartPosition
	delay     time.Duration
	retry     transport.RetryPolicy
	metrics   metrics.Collector
	logger    *zap.Logger
	onFatal   func(component string, err error)

	mu         sync.Mutex
	status     lifecycle.Status
	sub        *Subscription
	cancelRecv context.CancelFunc
	cancelWork context.CancelFunc
	done       chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

// SubscriberOption 订阅者选项
type SubscriberOption func(*Subscriber)

func WithSubscriberLogger(l *zap.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

func WithSubscriberMetrics(c metrics.Collector) SubscriberOption {
	return func(s *Subscriber) { s.metrics = c }
}

// WithSubscriptionStore 订阅进度存储，默认内存
func WithSubscriptionStore(store SubscriptionStore) SubscriberOption {
	return func(s *Subscriber) { s.store = store }
}

// WithInbox 处理前按事件ID去重
func WithInbox(inbox Inbox) SubscriberOption {
	return func(s *Subscriber) { s.inbox = inbox }
}

// WithStartPosition 首次订阅时的起始位置，默认 StartEarliest
func WithStartPosition(from transport.StartPosition) SubscriberOption {
	return func(s *Subscriber) { s.from = from }
}

// WithRedeliveryDelay 处理失败后到重新投递之间的等待
func WithRedeliveryDelay(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.delay = d }
}

func WithSubscriberRetry(r transport.RetryPolicy) SubscriberOption {
	return func(s *Subscriber) { s.retry = r }
}

// WithFatalHandler 接收重试耗尽的传输错误，通常是 Coordinator.ReportFatal
func WithFatalHandler(fn func(component string, err error)) SubscriberOption {
	return func(s *Subscriber) { s.onFatal = fn }
}

func NewSubscriber(id, topic string, t transport.Transport, provider handler.Provider, opts ...SubscriberOption) (*Subscriber, error) {
	if id == "" || topic == "" {
		return nil, errors.New("event subscriber: id and topic are required")
	}
	if t == nil || provider == nil {
		return nil, errors.New("event subscriber: transport and handler provider are required")
	}
	s := &Subscriber{
		id:        id,
		topic:     topic,
		transport: transport.NewShared(t),
		provider:  provider,
		from:      transport.StartEarliest,
		delay:     100 * time.Millisecond,
		retry:     transport.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	s.metrics = metrics.OrNoOp(s.metrics)
	s.logger = logger.OrDefault(s.logger).Named("event.subscriber").With(
		zap.String("subscriber", id), zap.String("topic", topic))
	return s, nil
}

func (s *Subscriber) Name() string {
	return "subscriber:" + s.id
}

func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != lifecycle.Stopped {
		return nil
	}

	if err := s.transport.Open(ctx); err != nil {
		return fmt.Errorf("open %s transport: %w", s.transport.Name(), err)
	}
	err := transport.Do(ctx, s.retry, s.transport.Name(), "subscribe "+s.topic, func() error {
		return s.transport.Subscribe(ctx, s.topic, s.id, s.from)
	})
	if err != nil {
		_ = s.transport.Close()
		return err
	}
	sub, err := s.store.Load(ctx, s.id, s.topic)
	if err != nil {
		_ = s.transport.Close()
		return err
	}
	s.sub = sub

	recvCtx, cancelRecv := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())
	s.cancelRecv, s.cancelWork = cancelRecv, cancelWork
	s.done = make(chan struct{})
	s.status = lifecycle.Running

	go s.run(recvCtx, workCtx, s.done)
	s.logger.Info("event subscriber started", zap.Int64("offset", sub.LastProcessedOffset))
	return nil
}

// Stop 停止接收，等待正在处理的事件完成；ctx 结束时取消处理器的上下文
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status != lifecycle.Running {
		s.mu.Unlock()
		return nil
	}
	s.status = lifecycle.Draining
	s.cancelRecv()
	done := s.done
	s.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.cancelWork()
		<-done
		err = fmt.Errorf("subscriber %s: in-flight event not finished: %w", s.id, ctx.Err())
	}
	s.cancelWork()

	s.mu.Lock()
	s.status = lifecycle.Stopped
	s.mu.Unlock()
	if cerr := s.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.logger.Info("event subscriber stopped",
		zap.Int64("processed", s.processed.Load()), zap.Int64("failed", s.failed.Load()))
	return err
}

// State 当前状态快照
func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SubscriberState{
		SubscriberID:        s.id,
		Topic:               s.topic,
		Status:              s.status,
		LastProcessedOffset: -1,
		Processed:           s.processed.Load(),
		Failed:              s.failed.Load(),
	}
	if s.sub != nil {
		st.LastProcessedOffset = s.sub.LastProcessedOffset
		st.LastEventID = s.sub.LastEventID
	}
	return st
}

func (s *Subscriber) run(recvCtx, workCtx context.Context, done chan struct{}) {
	defer close(done)
	for {
		d, err := transport.Retry(recvCtx, s.retry, s.transport.Name(), "receive "+s.topic, func() (transport.Delivery, error) {
			return s.transport.Receive(recvCtx, s.topic, s.id)
		})
		if err != nil {
			if recvCtx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			s.logger.Error("receive failed, subscriber gives up", zap.Error(err))
			if s.onFatal != nil {
				s.onFatal(s.Name(), err)
			}
			return
		}
		s.handle(recvCtx, workCtx, d)
	}
}

func (s *Subscriber) handle(recvCtx, workCtx context.Context, d transport.Delivery) {
	begin := time.Now()
	err := d.Message().DecodeError()
	var evt *message.DomainEvent
	if err == nil {
		evt, err = message.UnmarshalEvent(d.Message().Body)
	}
	if err != nil {
		s.failed.Add(1)
		s.metrics.RecordConsume(s.id, false, time.Since(begin))
		s.logger.Error("undecodable event dropped",
			zap.String("messageId", d.Message().ID), zap.Int64("offset", d.Offset()), zap.Error(err))
		s.settle(workCtx, d, true)
		return
	}

	s.mu.Lock()
	skip := s.sub.Processed(d.Offset())
	s.mu.Unlock()
	if skip {
		s.logger.Debug("event already processed",
			zap.String("eventId", evt.ID), zap.Int64("offset", d.Offset()))
		s.settle(workCtx, d, true)
		return
	}

	if h, ok := s.provider.ResolveEventHandler(evt.Type); ok {
		if s.inbox != nil {
			h = Idempotent(s.id, h, s.inbox)
		}
		err = s.invoke(workCtx, h, evt, d)
	}
	if err == nil {
		err = s.advance(workCtx, d.Offset(), evt.ID)
	}
	s.metrics.RecordConsume(s.id, err == nil, time.Since(begin))

	if err != nil {
		s.failed.Add(1)
		s.metrics.RecordRedelivery(s.id)
		s.logger.Warn("event handling failed, will be redelivered",
			zap.String("eventId", evt.ID),
			zap.String("eventType", evt.Type),
			zap.String("aggregateId", evt.AggregateID),
			zap.Int64("version", evt.Version),
			zap.Int("attempt", d.Attempt()),
			zap.Error(err))
		if s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-recvCtx.Done():
				timer.Stop()
			}
		}
		s.settle(workCtx, d, false)
		return
	}

	s.processed.Add(1)
	s.settle(workCtx, d, true)
}

func (s *Subscriber) invoke(ctx context.Context, h handler.EventHandler, evt *message.DomainEvent, d transport.Delivery) (err error) {
	ctx, span := tracing.Tracer().Start(tracing.Extract(ctx, d.Message().Headers), "event.handle "+evt.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.subscriber", s.id),
			attribute.String("messaging.destination", s.topic),
			attribute.String("event.id", evt.ID),
			attribute.String("aggregate.id", evt.AggregateID),
			attribute.Int64("aggregate.version", evt.Version),
			attribute.Int("messaging.attempt", d.Attempt()),
		))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return h.Handle(ctx, evt)
}

// advance 保存新的订阅进度，失败时内存中的进度不变
func (s *Subscriber) advance(ctx context.Context, offset int64, eventID string) error {
	s.mu.Lock()
	next := *s.sub
	s.mu.Unlock()

	next.Advance(offset, eventID)
	if err := s.store.Save(ctx, &next); err != nil {
		return err
	}

	s.mu.Lock()
	s.sub = &next
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) settle(ctx context.Context, d transport.Delivery, ack bool) {
	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx)
	}
	if err != nil && !errors.Is(err, transport.ErrAlreadySettled) {
		s.logger.Warn("settle delivery failed",
			zap.Bool("ack", ack), zap.String("messageId", d.Message().ID), zap.Error(err))
	}
}
