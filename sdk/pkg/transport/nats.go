package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// NATS NATS JetStream 传输
//
// 队列 q 对应流 Q（主题 q.*），分区 p 的主题为 q.<p>，每个分区一个持久拉取消费者；
// 事件主题对应一个流，订阅即持久消费者。MaxAckPending 为 1，
// Nak 的消息会先于后续消息重新投递。
type NATS struct {
	cfg    *config.NATSConfig
	logger *zap.Logger

	mu      sync.Mutex
	nc      *nats.Conn
	js      nats.JetStreamContext
	streams map[string]struct{}
	subs    map[string]*nats.Subscription
}

func NewNATS(cfg *config.NATSConfig, l *zap.Logger) *NATS {
	return &NATS{
		cfg:    cfg,
		logger: logger.OrDefault(l).Named("transport.nats"),
	}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) options() []nats.Option {
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if n.cfg.ClientName != "" {
		opts = append(opts, nats.Name(n.cfg.ClientName))
	}
	if n.cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(n.cfg.MaxReconnects))
	}
	if n.cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(n.cfg.ReconnectWait))
	}
	if n.cfg.ConnectionTimeout > 0 {
		opts = append(opts, nats.Timeout(n.cfg.ConnectionTimeout))
	}
	if n.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(n.cfg.Username, n.cfg.Password))
	}
	return opts
}

func (n *NATS) Open(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc != nil {
		return nil
	}
	url := nats.DefaultURL
	if len(n.cfg.URLs) > 0 {
		url = strings.Join(n.cfg.URLs, ",")
	}
	nc, err := nats.Connect(url, n.options()...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	n.nc, n.js = nc, js
	n.streams = make(map[string]struct{})
	n.subs = make(map[string]*nats.Subscription)
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc == nil {
		return nil
	}
	n.nc.Close()
	n.nc, n.js = nil, nil
	n.subs = nil
	return nil
}

func (n *NATS) jetStream() (nats.JetStreamContext, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.js == nil {
		return nil, ErrClosed
	}
	return n.js, nil
}

// natsName 流名和消费者名不能包含 . * > 和空白
func natsName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, s)
}

func (n *NATS) storage() nats.StorageType {
	if n.cfg.Storage == "memory" {
		return nats.MemoryStorage
	}
	return nats.FileStorage
}

func (n *NATS) ensureStream(name string, subjects []string) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}
	n.mu.Lock()
	_, ok := n.streams[name]
	n.mu.Unlock()
	if ok {
		return nil
	}

	if _, err := js.StreamInfo(name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", name, err)
		}
		replicas := n.cfg.Replicas
		if replicas <= 0 {
			replicas = 1
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  subjects,
			Retention: nats.LimitsPolicy,
			Storage:   n.storage(),
			Replicas:  replicas,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}
		n.logger.Info("created JetStream stream", zap.String("stream", name), zap.Strings("subjects", subjects))
	}

	n.mu.Lock()
	if n.streams != nil {
		n.streams[name] = struct{}{}
	}
	n.mu.Unlock()
	return nil
}

func queueSubject(queue string, partition int) string {
	return fmt.Sprintf("%s.%d", queue, partition)
}

func (n *NATS) DeclareQueue(ctx context.Context, queue string, partitions int) error {
	return n.ensureStream(natsName(queue), []string{queue + ".*"})
}

func (n *NATS) Enqueue(ctx context.Context, queue string, partition int, msg *Message) error {
	return n.publish(ctx, queueSubject(queue, partition), msg)
}

func (n *NATS) Dequeue(ctx context.Context, queue string, partition int) (Delivery, error) {
	if err := n.DeclareQueue(ctx, queue, partition+1); err != nil {
		return nil, err
	}
	durable := natsName(fmt.Sprintf("%s-%d", queueGroup(queue), partition))
	sub, err := n.subscription(queueSubject(queue, partition), natsName(queue), durable, StartEarliest)
	if err != nil {
		return nil, err
	}
	return n.fetch(ctx, sub, partition)
}

func (n *NATS) DeclareTopic(ctx context.Context, topic string) error {
	return n.ensureStream(natsName(topic), []string{topic})
}

func (n *NATS) Subscribe(ctx context.Context, topic, subscription string, from StartPosition) error {
	if err := n.DeclareTopic(ctx, topic); err != nil {
		return err
	}
	_, err := n.subscription(topic, natsName(topic), natsName(subscription), from)
	return err
}

func (n *NATS) Publish(ctx context.Context, topic string, msg *Message) error {
	return n.publish(ctx, topic, msg)
}

func (n *NATS) Receive(ctx context.Context, topic, subscription string) (Delivery, error) {
	if err := n.DeclareTopic(ctx, topic); err != nil {
		return nil, err
	}
	sub, err := n.subscription(topic, natsName(topic), natsName(subscription), StartLatest)
	if err != nil {
		return nil, err
	}
	return n.fetch(ctx, sub, 0)
}

func (n *NATS) publish(ctx context.Context, subject string, msg *Message) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}
	m := nats.NewMsg(subject)
	m.Data = msg.Body
	if msg.Key != "" {
		m.Header.Set(headerKey, msg.Key)
	}
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	m.Header.Set(headerMessageID, msg.ID)
	_, err = js.PublishMsg(m, nats.MsgId(msg.ID), nats.Context(ctx))
	return err
}

// headerKey 分区键所在的头
const headerKey = "x-message-key"

// subscription 持久拉取订阅；已存在的消费者保留其位置，from 只对新消费者生效
func (n *NATS) subscription(subject, stream, durable string, from StartPosition) (*nats.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.js == nil {
		return nil, ErrClosed
	}
	if sub, ok := n.subs[durable]; ok {
		return sub, nil
	}

	deliver := nats.DeliverAll()
	if from == StartLatest {
		deliver = nats.DeliverNew()
	}
	opts := []nats.SubOpt{
		nats.BindStream(stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(1),
		deliver,
	}
	if n.cfg.AckWait > 0 {
		opts = append(opts, nats.AckWait(n.cfg.AckWait))
	}
	sub, err := n.js.PullSubscribe(subject, durable, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription %s on %s: %w", durable, subject, err)
	}
	n.subs[durable] = sub
	return sub, nil
}

func (n *NATS) fetch(ctx context.Context, sub *nats.Subscription, partition int) (Delivery, error) {
	wait := n.cfg.FetchWait
	if wait <= 0 {
		wait = time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fctx, cancel := context.WithTimeout(ctx, wait)
		msgs, err := sub.Fetch(1, nats.Context(fctx))
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				return nil, ErrClosed
			default:
				return nil, err
			}
		}
		if len(msgs) == 0 {
			continue
		}
		return natsDelivery(msgs[0], partition), nil
	}
}

func natsDelivery(m *nats.Msg, partition int) Delivery {
	msg := &Message{Body: m.Data}
	for k := range m.Header {
		v := m.Header.Get(k)
		switch k {
		case headerMessageID:
			msg.ID = v
		case headerKey:
			msg.Key = v
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string, len(m.Header))
			}
			msg.Headers[k] = v
		}
	}

	offset, attempt := int64(-1), 1
	if md, err := m.Metadata(); err == nil {
		offset = int64(md.Sequence.Stream)
		attempt = int(md.NumDelivered)
	}
	return &delivery{
		msg:       msg,
		partition: partition,
		offset:    offset,
		attempt:   attempt,
		ack:       func(ctx context.Context) error { return m.Ack(nats.Context(ctx)) },
		nack:      func(ctx context.Context) error { return m.Nak(nats.Context(ctx)) },
	}
}
