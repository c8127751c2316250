package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// RabbitMQ RabbitMQ 传输
//
// 队列分区是一个 x-single-active-consumer 持久队列 <queue>.<p>；
// 主题是一个 fanout 交换机，每个订阅一个绑定的持久队列 <topic>.<subscription>。
// 消费通道 Qos(1)，Nack 带 requeue 放回原位置。RabbitMQ 不提供 offset，Offset 恒为 -1；
// 订阅只能收到绑定之后发布的消息。
type RabbitMQ struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	pubMu     sync.Mutex
	pub       *amqp.Channel
	consumers map[string]<-chan amqp.Delivery
	declared  map[string]struct{}
}

func NewRabbitMQ(url string, l *zap.Logger) *RabbitMQ {
	return &RabbitMQ{
		url:    url,
		logger: logger.OrDefault(l).Named("transport.rabbitmq"),
	}
}

func (r *RabbitMQ) Name() string { return "rabbitmq" }

func (r *RabbitMQ) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	r.conn, r.pub = conn, ch
	r.consumers = make(map[string]<-chan amqp.Delivery)
	r.declared = make(map[string]struct{})
	return nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn, r.pub = nil, nil
	r.consumers = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func partitionQueue(queue string, partition int) string {
	return fmt.Sprintf("%s.%d", queue, partition)
}

func subscriptionQueue(topic, subscription string) string {
	return topic + "." + subscription
}

// declare 在发布通道上执行一次声明
func (r *RabbitMQ) declare(name string, fn func(ch *amqp.Channel) error) error {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.declared[name]; ok {
		r.mu.Unlock()
		return nil
	}
	ch := r.pub
	r.mu.Unlock()

	r.pubMu.Lock()
	err := fn(ch)
	r.pubMu.Unlock()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.declared != nil {
		r.declared[name] = struct{}{}
	}
	r.mu.Unlock()
	return nil
}

func (r *RabbitMQ) declarePartition(queue string, partition int) error {
	name := partitionQueue(queue, partition)
	return r.declare("q:"+name, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-single-active-consumer": true,
		})
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		return nil
	})
}

func (r *RabbitMQ) DeclareQueue(ctx context.Context, queue string, partitions int) error {
	for p := 0; p < partitions; p++ {
		if err := r.declarePartition(queue, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQ) Enqueue(ctx context.Context, queue string, partition int, msg *Message) error {
	return r.publish(ctx, "", partitionQueue(queue, partition), msg)
}

func (r *RabbitMQ) Dequeue(ctx context.Context, queue string, partition int) (Delivery, error) {
	if err := r.declarePartition(queue, partition); err != nil {
		return nil, err
	}
	deliveries, err := r.consume(partitionQueue(queue, partition))
	if err != nil {
		return nil, err
	}
	return r.next(ctx, deliveries, partition)
}

func (r *RabbitMQ) DeclareTopic(ctx context.Context, topic string) error {
	return r.declare("x:"+topic, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, err)
		}
		return nil
	})
}

func (r *RabbitMQ) Subscribe(ctx context.Context, topic, subscription string, from StartPosition) error {
	if err := r.DeclareTopic(ctx, topic); err != nil {
		return err
	}
	name := subscriptionQueue(topic, subscription)
	return r.declare("s:"+name, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, "", topic, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", name, topic, err)
		}
		return nil
	})
}

func (r *RabbitMQ) Publish(ctx context.Context, topic string, msg *Message) error {
	if err := r.DeclareTopic(ctx, topic); err != nil {
		return err
	}
	return r.publish(ctx, topic, "", msg)
}

func (r *RabbitMQ) Receive(ctx context.Context, topic, subscription string) (Delivery, error) {
	if err := r.Subscribe(ctx, topic, subscription, StartLatest); err != nil {
		return nil, err
	}
	deliveries, err := r.consume(subscriptionQueue(topic, subscription))
	if err != nil {
		return nil, err
	}
	return r.next(ctx, deliveries, 0)
}

func (r *RabbitMQ) publish(ctx context.Context, exchange, routingKey string, msg *Message) error {
	r.mu.Lock()
	ch := r.pub
	r.mu.Unlock()
	if ch == nil {
		return ErrClosed
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.Key != "" {
		headers[headerKey] = msg.Key
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rabbitmq nacked message %s", msg.ID)
	}
	return nil
}

// consume 每个队列一个独立的消费通道
func (r *RabbitMQ) consume(queue string) (<-chan amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, ErrClosed
	}
	if d, ok := r.consumers[queue]; ok {
		return d, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	d, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	r.consumers[queue] = d
	return d, nil
}

func (r *RabbitMQ) next(ctx context.Context, deliveries <-chan amqp.Delivery, partition int) (Delivery, error) {
	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return rabbitDelivery(d, partition), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func rabbitDelivery(d amqp.Delivery, partition int) Delivery {
	msg := &Message{ID: d.MessageId, Body: d.Body}
	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == headerKey {
			msg.Key = s
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string, len(d.Headers))
		}
		msg.Headers[k] = s
	}

	attempt := 1
	if d.Redelivered {
		attempt = 2
	}
	return &delivery{
		msg:       msg,
		partition: partition,
		offset:    -1,
		attempt:   attempt,
		ack:       func(context.Context) error { return d.Ack(false) },
		nack:      func(context.Context) error { return d.Nack(false, true) },
	}
}
