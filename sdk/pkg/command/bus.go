package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lifecycle"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/partition"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/tracing"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

// HeaderCommandType 命令消息头，消费端解码前可以据此过滤
const HeaderCommandType = "x-command-type"

// Bus 命令总线（生产端）
//
// Send 在命令持久入队后返回；SendAndWait 额外等待消费端的回复。
// 每个总线实例以 reply-<instanceID> 订阅回复主题，只认领自己登记过的 CorrelationID。
type Bus struct {
	transport    *transport.Shared
	provider     handler.Provider
	partitioner  *partition.Partitioner
	queue        string
	replyTopic   string
	replySub     string
	replyTimeout time.Duration
	retry        transport.RetryPolicy
	limiter      *rate.Limiter
	metrics      metrics.Collector
	logger       *zap.Logger
	onFatal      func(component string, err error)

	mu       sync.RWMutex
	status   lifecycle.Status
	inflight sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}

	waitersMu sync.Mutex
	waiters   map[string]chan *message.Reply
}

// BusOption 命令总线选项
type BusOption func(*Bus)

func WithBusLogger(l *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

func WithBusMetrics(c metrics.Collector) BusOption {
	return func(b *Bus) { b.metrics = c }
}

func WithBusRetry(r transport.RetryPolicy) BusOption {
	return func(b *Bus) { b.retry = r }
}

// WithRateLimit 发送端限流，ratePerSecond <= 0 时不限流
func WithRateLimit(ratePerSecond float64, burst int) BusOption {
	return func(b *Bus) {
		if ratePerSecond <= 0 {
			b.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// WithBusFatalHandler 回复监听重试耗尽时调用
func WithBusFatalHandler(fn func(component string, err error)) BusOption {
	return func(b *Bus) { b.onFatal = fn }
}

// NewBus 创建命令总线，instanceID 用于区分各进程的回复订阅
func NewBus(t transport.Transport, provider handler.Provider, cfg config.CommandConfig, instanceID string, opts ...BusOption) (*Bus, error) {
	if t == nil || provider == nil {
		return nil, errors.New("command bus: transport and handler provider are required")
	}
	if cfg.Queue == "" || cfg.ReplyTopic == "" || instanceID == "" {
		return nil, errors.New("command bus: queue, reply topic and instance id are required")
	}
	p, err := partition.New(cfg.Partitions)
	if err != nil {
		return nil, fmt.Errorf("command bus: %w", err)
	}
	b := &Bus{
		transport:    transport.NewShared(t),
		provider:     provider,
		partitioner:  p,
		queue:        cfg.Queue,
		replyTopic:   cfg.ReplyTopic,
		replySub:     "reply-" + instanceID,
		replyTimeout: cfg.ReplyTimeout,
		retry:        transport.DefaultRetryPolicy(),
		waiters:      make(map[string]chan *message.Reply),
	}
	if b.replyTimeout <= 0 {
		b.replyTimeout = 30 * time.Second
	}
	if cfg.RateLimit.Enabled {
		WithRateLimit(cfg.RateLimit.RatePerSecond, cfg.RateLimit.BurstSize)(b)
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = metrics.OrNoOp(b.metrics)
	b.logger = logger.OrDefault(b.logger).Named("command.bus")
	return b, nil
}

func (b *Bus) Name() string {
	return "command-bus"
}

// Partitioner 命令队列的分区器
func (b *Bus) Partitioner() *partition.Partitioner {
	return b.partitioner
}

// Start 打开传输，声明命令队列和回复主题，启动回复监听
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != lifecycle.Stopped {
		return nil
	}
	if err := b.transport.Open(ctx); err != nil {
		return fmt.Errorf("open %s transport: %w", b.transport.Name(), err)
	}
	name := b.transport.Name()
	err := transport.Do(ctx, b.retry, name, "declare queue "+b.queue, func() error {
		return b.transport.DeclareQueue(ctx, b.queue, b.partitioner.Count())
	})
	if err == nil {
		err = transport.Do(ctx, b.retry, name, "declare topic "+b.replyTopic, func() error {
			return b.transport.DeclareTopic(ctx, b.replyTopic)
		})
	}
	if err == nil {
		err = transport.Do(ctx, b.retry, name, "subscribe "+b.replyTopic, func() error {
			return b.transport.Subscribe(ctx, b.replyTopic, b.replySub, transport.StartLatest)
		})
	}
	if err != nil {
		_ = b.transport.Close()
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.status = lifecycle.Running
	go b.listen(listenCtx, b.done)

	b.logger.Info("command bus started",
		zap.String("queue", b.queue),
		zap.Int("partitions", b.partitioner.Count()),
		zap.String("replySubscription", b.replySub))
	return nil
}

// Stop 拒绝新的发送，等待进行中的发送完成，停止回复监听，并以 ErrBusStopped 结束所有等待者
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.status != lifecycle.Running {
		b.mu.Unlock()
		return nil
	}
	b.status = lifecycle.Draining
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("command bus: pending sends not finished: %w", ctx.Err())
	}

	b.cancel()
	<-b.done
	b.failWaiters()

	b.mu.Lock()
	b.status = lifecycle.Stopped
	b.mu.Unlock()
	if cerr := b.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	b.logger.Info("command bus stopped")
	return err
}

func (b *Bus) Status() lifecycle.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Send 校验并入队，返回时命令已持久入队
//
// 找不到处理器的命令返回 *UnroutableCommandError，不会入队。
func (b *Bus) Send(ctx context.Context, cmd *message.Command) error {
	if cmd == nil {
		return errors.New("command is nil")
	}
	c := *cmd
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	if _, ok := b.provider.ResolveCommandHandler(c.Type); !ok {
		return &UnroutableCommandError{CommandID: c.ID, Type: c.Type}
	}

	b.mu.RLock()
	if b.status != lifecycle.Running {
		b.mu.RUnlock()
		return ErrBusStopped
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	return b.enqueue(ctx, &c)
}

func (b *Bus) enqueue(ctx context.Context, c *message.Command) (err error) {
	begin := time.Now()
	partitionID := b.partitioner.PartitionFor(c.AggregateID)

	ctx, span := tracing.Tracer().Start(ctx, "command.send "+c.Type,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("command.id", c.ID),
			attribute.String("aggregate.id", c.AggregateID),
			attribute.String("messaging.destination", b.queue),
			attribute.Int("messaging.partition", partitionID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		b.metrics.RecordSend(b.queue, err == nil, time.Since(begin))
	}()

	if b.limiter != nil {
		if err = b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	headers := make(map[string]string, len(c.Headers)+2)
	for k, v := range c.Headers {
		headers[k] = v
	}
	c.Headers = tracing.Inject(ctx, headers)
	body, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode command %s: %w", c.ID, err)
	}
	msg := &transport.Message{
		ID:      c.ID,
		Key:     c.AggregateID,
		Headers: map[string]string{HeaderCommandType: c.Type},
		Body:    body,
	}
	err = transport.Do(ctx, b.retry, b.transport.Name(), "enqueue "+b.queue, func() error {
		return b.transport.Enqueue(ctx, b.queue, partitionID, msg)
	})
	if err != nil {
		b.logger.Error("enqueue command failed",
			zap.String("commandId", c.ID), zap.Int("partition", partitionID), zap.Error(err))
		return err
	}
	b.logger.Debug("command sent",
		zap.String("commandId", c.ID), zap.String("type", c.Type), zap.Int("partition", partitionID))
	return nil
}

// SendAndWait 发送并等待回复；timeout <= 0 时使用配置的回复超时
//
// 失败回复返回 *CommandFailedError 以及回复本身；超时返回 *TimeoutError，命令仍可能被处理。
func (b *Bus) SendAndWait(ctx context.Context, cmd *message.Command, timeout time.Duration) (*message.Reply, error) {
	if cmd == nil {
		return nil, errors.New("command is nil")
	}
	if timeout <= 0 {
		timeout = b.replyTimeout
	}
	c := *cmd
	c.Normalize()
	c.ReplyTo = b.replyTopic

	ch, err := b.register(c.CorrelationID)
	if err != nil {
		return nil, err
	}
	defer b.unregister(c.CorrelationID)

	if err := b.Send(ctx, &c); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrBusStopped
		}
		return r, failedFromReply(r)
	case <-timer.C:
		return nil, &TimeoutError{CommandID: c.ID, CorrelationID: c.CorrelationID, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) register(correlationID string) (chan *message.Reply, error) {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	if _, ok := b.waiters[correlationID]; ok {
		return nil, fmt.Errorf("a command with correlation id %s is already waiting for a reply", correlationID)
	}
	ch := make(chan *message.Reply, 1)
	b.waiters[correlationID] = ch
	return ch, nil
}

func (b *Bus) unregister(correlationID string) {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	delete(b.waiters, correlationID)
}

// Waiting 正在等待回复的数量
func (b *Bus) Waiting() int {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	return len(b.waiters)
}

func (b *Bus) deliver(r *message.Reply) bool {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	ch, ok := b.waiters[r.CorrelationID]
	if !ok {
		return false
	}
	delete(b.waiters, r.CorrelationID)
	ch <- r
	return true
}

func (b *Bus) failWaiters() {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	for id, ch := range b.waiters {
		close(ch)
		delete(b.waiters, id)
	}
}

func (b *Bus) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		d, err := transport.Retry(ctx, b.retry, b.transport.Name(), "receive "+b.replyTopic, func() (transport.Delivery, error) {
			return b.transport.Receive(ctx, b.replyTopic, b.replySub)
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			b.logger.Error("reply listener gives up", zap.Error(err))
			if b.onFatal != nil {
				b.onFatal(b.Name(), err)
			}
			return
		}

		r, err := message.UnmarshalReply(d.Message().Body)
		if err != nil {
			b.logger.Warn("undecodable reply dropped", zap.String("messageId", d.Message().ID), zap.Error(err))
		} else if !b.deliver(r) {
			b.logger.Debug("reply for another waiter ignored", zap.String("correlationId", r.CorrelationID))
		}
		if err := d.Ack(context.Background()); err != nil {
			b.logger.Warn("ack reply failed", zap.Error(err))
		}
	}
}
