package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lease"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lifecycle"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

// 死信消息头
const (
	HeaderDeadLetterReason    = "x-dead-letter-reason"
	HeaderDeadLetterPartition = "x-dead-letter-partition"
)

// DeadLetterQueue 无法解码的命令转入的队列
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

// CommandDispatcher 消费者依赖的分发接口，*Dispatcher 实现了该接口
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd *message.Command) *Outcome
}

// ConsumerState 消费者状态快照
type ConsumerState struct {
	Queue       string
	PartitionID int
	// Offset 最后一条终态处理的消息位置，传输不提供时为 -1
	Offset    int64
	Status    lifecycle.Status
	Processed int64
	Failed    int64
}

type consumerOptions struct {
	leaser          lease.Leaser
	deadLetter      bool
	redeliveryDelay time.Duration
	retry           transport.RetryPolicy
	metrics         metrics.Collector
	logger          *zap.Logger
	onFatal         func(component string, err error)
}

// ConsumerOption 消费者选项，对池中的每个消费者生效
type ConsumerOption func(*consumerOptions)

// WithLeaser 消费前先获取分区租约，默认 lease.Noop
func WithLeaser(l lease.Leaser) ConsumerOption {
	return func(o *consumerOptions) { o.leaser = l }
}

// WithDeadLetter 无法解码的命令转入 <queue>.dead
func WithDeadLetter(enabled bool) ConsumerOption {
	return func(o *consumerOptions) { o.deadLetter = enabled }
}

// WithConsumerRedeliveryDelay 暂时性失败后 Nack 之前的等待
func WithConsumerRedeliveryDelay(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) { o.redeliveryDelay = d }
}

func WithConsumerRetry(r transport.RetryPolicy) ConsumerOption {
	return func(o *consumerOptions) { o.retry = r }
}

func WithConsumerMetrics(c metrics.Collector) ConsumerOption {
	return func(o *consumerOptions) { o.metrics = c }
}

func WithConsumerLogger(l *zap.Logger) ConsumerOption {
	return func(o *consumerOptions) { o.logger = l }
}

// WithConsumerFatalHandler 出队重试耗尽时调用，通常是 Coordinator.ReportFatal
func WithConsumerFatalHandler(fn func(component string, err error)) ConsumerOption {
	return func(o *consumerOptions) { o.onFatal = fn }
}

func buildConsumerOptions(opts []ConsumerOption) consumerOptions {
	o := consumerOptions{
		leaser:          lease.Noop{},
		redeliveryDelay: 100 * time.Millisecond,
		retry:           transport.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.leaser == nil {
		o.leaser = lease.Noop{}
	}
	o.metrics = metrics.OrNoOp(o.metrics)
	o.logger = logger.OrDefault(o.logger).Named("command.consumer")
	return o
}

// Consumer 一个分区的命令消费者，严格按顺序处理
type Consumer struct {
	queue      string
	partition  int
	transport  *transport.Shared
	dispatcher CommandDispatcher
	opts       consumerOptions
	logger     *zap.Logger

	mu         sync.Mutex
	status     lifecycle.Status
	offset     int64
	cancelRecv context.CancelFunc
	cancelWork context.CancelFunc
	done       chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

func NewConsumer(t transport.Transport, dispatcher CommandDispatcher, queue string, partitionID int, opts ...ConsumerOption) (*Consumer, error) {
	if t == nil || dispatcher == nil {
		return nil, errors.New("command consumer: transport and dispatcher are required")
	}
	if queue == "" || partitionID < 0 {
		return nil, fmt.Errorf("command consumer: invalid queue %q partition %d", queue, partitionID)
	}
	return newConsumer(transport.NewShared(t), dispatcher, queue, partitionID, buildConsumerOptions(opts)), nil
}

func newConsumer(t *transport.Shared, dispatcher CommandDispatcher, queue string, partitionID int, o consumerOptions) *Consumer {
	return &Consumer{
		queue:      queue,
		partition:  partitionID,
		transport:  t,
		dispatcher: dispatcher,
		opts:       o,
		offset:     -1,
		logger:     o.logger.With(zap.String("queue", queue), zap.Int("partition", partitionID)),
	}
}

func (c *Consumer) Name() string {
	return c.queue + "-consumer-" + strconv.Itoa(c.partition)
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != lifecycle.Stopped {
		return nil
	}
	if err := c.transport.Open(ctx); err != nil {
		return fmt.Errorf("open %s transport: %w", c.transport.Name(), err)
	}

	recvCtx, cancelRecv := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())
	c.cancelRecv, c.cancelWork = cancelRecv, cancelWork
	c.done = make(chan struct{})
	c.status = lifecycle.Running
	go c.run(recvCtx, workCtx, c.done)

	c.logger.Info("command consumer started")
	return nil
}

// Stop 停止出队并等待正在处理的命令完成；ctx 结束时取消处理中的命令
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.status != lifecycle.Running {
		c.mu.Unlock()
		return nil
	}
	c.status = lifecycle.Draining
	c.cancelRecv()
	done := c.done
	c.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		c.cancelWork()
		<-done
		err = fmt.Errorf("%s: in-flight command not finished: %w", c.Name(), ctx.Err())
	}
	c.cancelWork()

	c.mu.Lock()
	c.status = lifecycle.Stopped
	c.mu.Unlock()
	if cerr := c.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.logger.Info("command consumer stopped",
		zap.Int64("processed", c.processed.Load()), zap.Int64("failed", c.failed.Load()))
	return err
}

func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerState{
		Queue:       c.queue,
		PartitionID: c.partition,
		Offset:      c.offset,
		Status:      c.status,
		Processed:   c.processed.Load(),
		Failed:      c.failed.Load(),
	}
}

func (c *Consumer) leaseKey() string {
	return c.queue + ":" + strconv.Itoa(c.partition)
}

func (c *Consumer) run(recvCtx, workCtx context.Context, done chan struct{}) {
	defer close(done)
	for {
		l, err := c.opts.leaser.Acquire(recvCtx, c.leaseKey())
		if err != nil {
			if recvCtx.Err() != nil {
				return
			}
			c.logger.Warn("acquire partition lease failed", zap.Error(err))
			if !c.sleep(recvCtx, c.opts.retry.MaxInterval) {
				return
			}
			continue
		}

		lost := c.consume(recvCtx, workCtx, l)

		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.Release(releaseCtx); err != nil {
			c.logger.Warn("release partition lease failed", zap.Error(err))
		}
		cancel()
		if !lost {
			return
		}
		c.logger.Warn("partition lease lost, reacquiring")
	}
}

// consume 持有租约期间循环出队，返回 true 表示租约丢失
func (c *Consumer) consume(recvCtx, workCtx context.Context, l lease.Lease) bool {
	leaseCtx, cancel := context.WithCancel(recvCtx)
	defer cancel()
	go func() {
		select {
		case <-l.Lost():
			cancel()
		case <-leaseCtx.Done():
		}
	}()

	name := c.transport.Name()
	for {
		d, err := transport.Retry(leaseCtx, c.opts.retry, name, "dequeue "+c.queue, func() (transport.Delivery, error) {
			return c.transport.Dequeue(leaseCtx, c.queue, c.partition)
		})
		if err != nil {
			if recvCtx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return false
			}
			if leaseCtx.Err() != nil {
				return true
			}
			c.logger.Error("dequeue failed, consumer gives up", zap.Error(err))
			if c.opts.onFatal != nil {
				c.opts.onFatal(c.Name(), err)
			}
			return false
		}
		c.handle(recvCtx, workCtx, d)
	}
}

func (c *Consumer) handle(recvCtx, workCtx context.Context, d transport.Delivery) {
	cmd, err := decodeCommand(d.Message())
	if err != nil {
		c.failed.Add(1)
		c.logger.Error("undecodable command",
			zap.String("messageId", d.Message().ID), zap.Int64("offset", d.Offset()), zap.Error(err))
		if c.opts.deadLetter {
			if err := c.deadLetter(workCtx, d.Message(), err); err != nil {
				c.logger.Error("dead-letter command failed", zap.Error(err))
				c.nackLater(recvCtx, workCtx, d)
				return
			}
		}
		c.settle(workCtx, d, true)
		return
	}

	out := c.dispatcher.Dispatch(workCtx, cmd)
	if !out.Terminal() {
		c.failed.Add(1)
		c.opts.metrics.RecordRedelivery(c.queue)
		c.logger.Warn("command will be redelivered",
			zap.String("commandId", cmd.ID), zap.Int("attempt", d.Attempt()), zap.Error(out.Err))
		c.nackLater(recvCtx, workCtx, d)
		return
	}

	if cmd.ReplyTo != "" {
		if err := c.reply(workCtx, cmd, out); err != nil {
			c.failed.Add(1)
			c.logger.Error("send reply failed, command will be redelivered",
				zap.String("commandId", cmd.ID), zap.Error(err))
			c.nackLater(recvCtx, workCtx, d)
			return
		}
	}

	if out.Status == Succeeded {
		c.processed.Add(1)
	} else {
		c.failed.Add(1)
	}
	c.mu.Lock()
	c.offset = d.Offset()
	c.mu.Unlock()
	c.settle(workCtx, d, true)
}

func (c *Consumer) reply(ctx context.Context, cmd *message.Command, out *Outcome) error {
	body, err := out.ToReply(cmd).Marshal()
	if err != nil {
		return err
	}
	msg := &transport.Message{ID: message.NewID(), Key: cmd.CorrelationID, Body: body}
	return transport.Do(ctx, c.opts.retry, c.transport.Name(), "reply "+cmd.ReplyTo, func() error {
		return c.transport.Publish(ctx, cmd.ReplyTo, msg)
	})
}

func (c *Consumer) deadLetter(ctx context.Context, msg *transport.Message, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderDeadLetterReason] = cause.Error()
	headers[HeaderDeadLetterPartition] = strconv.Itoa(c.partition)
	dead := &transport.Message{ID: msg.ID, Key: msg.Key, Headers: headers, Body: msg.Body}

	queue := DeadLetterQueue(c.queue)
	err := transport.Do(ctx, c.opts.retry, c.transport.Name(), "enqueue "+queue, func() error {
		return c.transport.Enqueue(ctx, queue, 0, dead)
	})
	if err == nil {
		c.opts.metrics.RecordDeadLetter(c.queue)
	}
	return err
}

func decodeCommand(msg *transport.Message) (*message.Command, error) {
	if err := msg.DecodeError(); err != nil {
		return nil, err
	}
	return message.UnmarshalCommand(msg.Body)
}

// nackLater 等待重投延迟后 Nack；停止时不再等待
func (c *Consumer) nackLater(recvCtx, workCtx context.Context, d transport.Delivery) {
	c.sleep(recvCtx, c.opts.redeliveryDelay)
	c.settle(workCtx, d, false)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) settle(ctx context.Context, d transport.Delivery, ack bool) {
	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx)
	}
	if err != nil && !errors.Is(err, transport.ErrAlreadySettled) {
		c.logger.Warn("settle delivery failed",
			zap.Bool("ack", ack), zap.String("messageId", d.Message().ID), zap.Error(err))
	}
}

// ConsumerPool 每个分区一个消费者
type ConsumerPool struct {
	queue     string
	transport *transport.Shared
	consumers []*Consumer
	logger    *zap.Logger
}

func NewConsumerPool(t transport.Transport, dispatcher CommandDispatcher, queue string, partitions int, opts ...ConsumerOption) (*ConsumerPool, error) {
	if t == nil || dispatcher == nil {
		return nil, errors.New("consumer pool: transport and dispatcher are required")
	}
	if queue == "" {
		return nil, errors.New("consumer pool: queue is required")
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("consumer pool: partitions must be positive, got %d", partitions)
	}
	o := buildConsumerOptions(opts)
	shared := transport.NewShared(t)
	pool := &ConsumerPool{
		queue:     queue,
		transport: shared,
		logger:    o.logger,
	}
	for p := 0; p < partitions; p++ {
		pool.consumers = append(pool.consumers, newConsumer(shared, dispatcher, queue, p, o))
	}
	return pool, nil
}

func (p *ConsumerPool) Name() string {
	return p.queue + "-consumers"
}

// Start 声明队列后并发启动所有消费者；任一失败时停止已启动的消费者
func (p *ConsumerPool) Start(ctx context.Context) error {
	if err := p.transport.Open(ctx); err != nil {
		return fmt.Errorf("open %s transport: %w", p.transport.Name(), err)
	}
	defer p.transport.Close()
	if err := p.transport.DeclareQueue(ctx, p.queue, len(p.consumers)); err != nil {
		return fmt.Errorf("declare queue %s: %w", p.queue, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range p.consumers {
		c := c
		g.Go(func() error { return c.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		_ = p.Stop(context.Background())
		return err
	}
	p.logger.Info("consumer pool started", zap.String("queue", p.queue), zap.Int("consumers", len(p.consumers)))
	return nil
}

// Stop 并发停止所有消费者，返回合并后的错误
func (p *ConsumerPool) Stop(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, c := range p.consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errs
}

// States 每个分区消费者的状态快照
func (p *ConsumerPool) States() []ConsumerState {
	out := make([]ConsumerState, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c.State())
	}
	return out
}

// Consumers 池中的消费者，按分区排列
func (p *ConsumerPool) Consumers() []*Consumer {
	return append([]*Consumer(nil), p.consumers...)
}
