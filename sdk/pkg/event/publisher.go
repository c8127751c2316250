// Package event publishes committed domain events to topics and drives the
// subscribers that consume them.
package event

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lifecycle"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/tracing"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

// 事件消息头
const (
	HeaderEventType        = "x-event-type"
	HeaderAggregateType    = "x-aggregate-type"
	HeaderAggregateVersion = "x-aggregate-version"
)

// ErrPublisherStopped 发布者未启动或已停止
var ErrPublisherStopped = errors.New("event publisher is stopped")

// Publisher 事件发布者
//
// 每个事件依次发布到所有主题，以聚合ID为键；前一个事件发布成功后才发布下一个，
// 同一聚合的事件在每个主题上保持版本顺序。
type Publisher struct {
	transport *transport.Shared
	topics    []string
	retry     transport.RetryPolicy
	metrics   metrics.Collector
	logger    *zap.Logger

	mu       sync.RWMutex
	status   lifecycle.Status
	inflight sync.WaitGroup
}

// PublisherOption 发布者选项
type PublisherOption func(*Publisher)

func WithPublisherLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

func WithPublisherMetrics(c metrics.Collector) PublisherOption {
	return func(p *Publisher) { p.metrics = c }
}

// WithPublisherRetry 传输边界的重试策略
func WithPublisherRetry(r transport.RetryPolicy) PublisherOption {
	return func(p *Publisher) { p.retry = r }
}

func NewPublisher(t transport.Transport, topics []string, opts ...PublisherOption) (*Publisher, error) {
	if t == nil {
		return nil, errors.New("event publisher: transport is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("event publisher: at least one topic is required")
	}
	p := &Publisher{
		transport: transport.NewShared(t),
		topics:    append([]string(nil), topics...),
		retry:     transport.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = metrics.OrNoOp(p.metrics)
	p.logger = logger.OrDefault(p.logger).Named("event.publisher")
	return p, nil
}

func (p *Publisher) Name() string {
	return "event-publisher"
}

// Topics 发布的主题
func (p *Publisher) Topics() []string {
	return append([]string(nil), p.topics...)
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == lifecycle.Running {
		return nil
	}
	if err := p.transport.Open(ctx); err != nil {
		return fmt.Errorf("open %s transport: %w", p.transport.Name(), err)
	}
	for _, topic := range p.topics {
		topic := topic
		err := transport.Do(ctx, p.retry, p.transport.Name(), "declare topic "+topic, func() error {
			return p.transport.DeclareTopic(ctx, topic)
		})
		if err != nil {
			_ = p.transport.Close()
			return err
		}
	}
	p.status = lifecycle.Running
	p.logger.Info("event publisher started", zap.Strings("topics", p.topics))
	return nil
}

// Stop 拒绝新的发布，等待进行中的发布完成（受 ctx 限制）后释放传输
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.status != lifecycle.Running {
		p.mu.Unlock()
		return nil
	}
	p.status = lifecycle.Draining
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("event publisher: pending publishes not finished: %w", ctx.Err())
	}

	p.mu.Lock()
	p.status = lifecycle.Stopped
	p.mu.Unlock()
	if cerr := p.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	p.logger.Info("event publisher stopped")
	return err
}

func (p *Publisher) Status() lifecycle.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Publish 按顺序发布事件，遇到第一个失败即返回，之后的事件不会发布
func (p *Publisher) Publish(ctx context.Context, events []*message.DomainEvent) error {
	p.mu.RLock()
	if p.status != lifecycle.Running {
		p.mu.RUnlock()
		return ErrPublisherStopped
	}
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	for _, evt := range events {
		msg, err := p.toMessage(ctx, evt)
		if err != nil {
			return err
		}
		for _, topic := range p.topics {
			if err := p.publish(ctx, topic, msg); err != nil {
				return fmt.Errorf("publish event %s (%s v%d) to %s: %w", evt.ID, evt.AggregateID, evt.Version, topic, err)
			}
		}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic string, msg *transport.Message) error {
	begin := time.Now()
	err := transport.Do(ctx, p.retry, p.transport.Name(), "publish "+topic, func() error {
		return p.transport.Publish(ctx, topic, msg)
	})
	p.metrics.RecordPublish(topic, err == nil, time.Since(begin))
	if err != nil {
		p.logger.Error("publish failed",
			zap.String("topic", topic), zap.String("eventId", msg.ID), zap.Error(err))
		return err
	}
	p.logger.Debug("event published", zap.String("topic", topic), zap.String("eventId", msg.ID))
	return nil
}

func (p *Publisher) toMessage(ctx context.Context, evt *message.DomainEvent) (*transport.Message, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	body, err := evt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	headers := tracing.Inject(ctx, map[string]string{
		HeaderEventType:        evt.Type,
		HeaderAggregateType:    evt.AggregateType,
		HeaderAggregateVersion: strconv.FormatInt(evt.Version, 10),
	})
	return &transport.Message{
		ID:      evt.ID,
		Key:     evt.AggregateID,
		Headers: headers,
		Body:    body,
	}, nil
}
