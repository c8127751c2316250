package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	jxtjson "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/json"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// NSQ NSQ 传输
//
// 队列分区对应 NSQ 主题 <queue>.<p>，通道 consumers；事件主题的每个订阅是一个通道。
// MaxInFlight 为 1，nsqd 在当前消息完成前不会推送下一条；
// Nack 不回应 nsqd，消息留在本地并在下一次读取时先返回，以保持分区内顺序。
// NSQ 没有消息头，消息以 JSON 信封编码；不提供 offset，Offset 恒为 -1。
type NSQ struct {
	cfg    *config.NSQConfig
	logger *zap.Logger

	mu       sync.Mutex
	producer *nsq.Producer
	readers  map[string]*nsqReader
	closed   chan struct{}
}

// nsqEnvelope NSQ 消息体
type nsqEnvelope struct {
	ID      string            `json:"id"`
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
}

func NewNSQ(cfg *config.NSQConfig, l *zap.Logger) *NSQ {
	return &NSQ{
		cfg:    cfg,
		logger: logger.OrDefault(l).Named("transport.nsq"),
	}
}

func (n *NSQ) Name() string { return "nsq" }

// nsqLogger 把 go-nsq 的日志转到 zap
type nsqLogger struct {
	logger *zap.Logger
}

func (l nsqLogger) Output(calldepth int, s string) error {
	l.logger.Debug(strings.TrimSpace(s))
	return nil
}

func (n *NSQ) config() *nsq.Config {
	c := nsq.NewConfig()
	c.MaxInFlight = 1
	if n.cfg.MaxAttempts > 0 {
		c.MaxAttempts = n.cfg.MaxAttempts
	}
	if n.cfg.RequeueDelay > 0 {
		c.DefaultRequeueDelay = n.cfg.RequeueDelay
	}
	return c
}

func (n *NSQ) Open(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.producer != nil {
		return nil
	}
	p, err := nsq.NewProducer(n.cfg.NSQDAddress, n.config())
	if err != nil {
		return fmt.Errorf("failed to create nsq producer: %w", err)
	}
	p.SetLogger(nsqLogger{n.logger}, nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return fmt.Errorf("failed to ping nsqd %s: %w", n.cfg.NSQDAddress, err)
	}
	n.producer = p
	n.readers = make(map[string]*nsqReader)
	n.closed = make(chan struct{})
	return nil
}

func (n *NSQ) Close() error {
	n.mu.Lock()
	if n.producer == nil {
		n.mu.Unlock()
		return nil
	}
	close(n.closed)
	readers := n.readers
	n.readers = nil
	p := n.producer
	n.producer = nil
	n.mu.Unlock()

	for _, r := range readers {
		r.stop(n.cfg.RequeueDelay)
	}
	p.Stop()
	return nil
}

// DeclareQueue NSQ 主题在首次发布时自动创建
func (n *NSQ) DeclareQueue(ctx context.Context, queue string, partitions int) error {
	return nil
}

func (n *NSQ) Enqueue(ctx context.Context, queue string, partition int, msg *Message) error {
	return n.publish(ctx, partitionQueue(queue, partition), msg)
}

func (n *NSQ) Dequeue(ctx context.Context, queue string, partition int) (Delivery, error) {
	r, err := n.reader(partitionQueue(queue, partition), "consumers")
	if err != nil {
		return nil, err
	}
	return r.next(ctx, partition)
}

func (n *NSQ) DeclareTopic(ctx context.Context, topic string) error {
	return nil
}

// Subscribe 建立通道；NSQ 的新通道只接收之后发布的消息，from 不起作用
func (n *NSQ) Subscribe(ctx context.Context, topic, subscription string, from StartPosition) error {
	_, err := n.reader(topic, subscription)
	return err
}

func (n *NSQ) Publish(ctx context.Context, topic string, msg *Message) error {
	return n.publish(ctx, topic, msg)
}

func (n *NSQ) Receive(ctx context.Context, topic, subscription string) (Delivery, error) {
	r, err := n.reader(topic, subscription)
	if err != nil {
		return nil, err
	}
	return r.next(ctx, 0)
}

func (n *NSQ) publish(ctx context.Context, topic string, msg *Message) error {
	n.mu.Lock()
	p := n.producer
	n.mu.Unlock()
	if p == nil {
		return ErrClosed
	}
	body, err := jxtjson.Marshal(nsqEnvelope{ID: msg.ID, Key: msg.Key, Headers: msg.Headers, Body: msg.Body})
	if err != nil {
		return err
	}
	done := make(chan *nsq.ProducerTransaction, 1)
	if err := p.PublishAsync(topic, body, done); err != nil {
		return err
	}
	select {
	case t := <-done:
		return t.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *NSQ) reader(topic, channel string) (*nsqReader, error) {
	key := topic + "/" + channel
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.producer == nil {
		return nil, ErrClosed
	}
	if r, ok := n.readers[key]; ok {
		return r, nil
	}

	c, err := nsq.NewConsumer(topic, channel, n.config())
	if err != nil {
		return nil, fmt.Errorf("failed to create nsq consumer %s: %w", key, err)
	}
	c.SetLogger(nsqLogger{n.logger}, nsq.LogLevelWarning)
	r := &nsqReader{consumer: c, msgs: make(chan *nsq.Message), closed: n.closed}
	c.AddHandler(r)
	if len(n.cfg.LookupdAddresses) > 0 {
		err = c.ConnectToNSQLookupds(n.cfg.LookupdAddresses)
	} else {
		err = c.ConnectToNSQD(n.cfg.NSQDAddress)
	}
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("failed to connect nsq consumer %s: %w", key, err)
	}
	n.readers[key] = r
	return r, nil
}

type nsqReader struct {
	consumer *nsq.Consumer
	msgs     chan *nsq.Message
	closed   <-chan struct{}

	mu      sync.Mutex
	pending *nsq.Message
	nacks   int
}

// HandleMessage 把消息交给读取方，回应由 Ack/Nack 决定
func (r *nsqReader) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	select {
	case r.msgs <- m:
	case <-r.closed:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

func (r *nsqReader) next(ctx context.Context, partition int) (Delivery, error) {
	r.mu.Lock()
	m := r.pending
	r.mu.Unlock()

	if m == nil {
		select {
		case m = <-r.msgs:
		case <-r.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
		r.pending, r.nacks = m, 0
		r.mu.Unlock()
	} else {
		m.Touch()
	}

	var env nsqEnvelope
	if err := jxtjson.Unmarshal(m.Body, &env); err != nil {
		env = nsqEnvelope{
			ID:      string(m.ID[:]),
			Headers: map[string]string{HeaderDecodeError: fmt.Sprintf("decode nsq envelope: %v", err)},
			Body:    m.Body,
		}
	}

	r.mu.Lock()
	attempt := int(m.Attempts) + r.nacks
	r.mu.Unlock()
	return &delivery{
		msg:       &Message{ID: env.ID, Key: env.Key, Headers: env.Headers, Body: env.Body},
		partition: partition,
		offset:    -1,
		attempt:   attempt,
		ack: func(context.Context) error {
			m.Finish()
			r.mu.Lock()
			r.pending, r.nacks = nil, 0
			r.mu.Unlock()
			return nil
		},
		nack: func(context.Context) error {
			r.mu.Lock()
			r.nacks++
			r.mu.Unlock()
			return nil
		},
	}, nil
}

// stop 停止消费，未完成的消息交还 nsqd
func (r *nsqReader) stop(requeueDelay time.Duration) {
	r.mu.Lock()
	m := r.pending
	r.pending = nil
	r.mu.Unlock()
	if m != nil {
		m.RequeueWithoutBackoff(requeueDelay)
	}
	r.consumer.Stop()
	<-r.consumer.StopChan
}
