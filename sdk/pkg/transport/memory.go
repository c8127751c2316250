package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// Memory 进程内传输（用于测试和单进程部署）
//
// 队列分区和订阅都是带唤醒信号的内存 FIFO；Nack 的消息放回队首，
// 保证同一分区内先于后续消息重新投递。
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	topics map[string]*memoryTopic
	closed chan struct{}
	open   bool
	retain bool
	logger *zap.Logger
}

// MemoryOption 内存传输选项
type MemoryOption func(*Memory)

// WithTopicRetention 保留主题历史，StartEarliest 的新订阅可以回放
func WithTopicRetention() MemoryOption {
	return func(m *Memory) { m.retain = true }
}

// WithMemoryLogger 指定 logger
func WithMemoryLogger(l *zap.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		queues: make(map[string]*memoryQueue),
		topics: make(map[string]*memoryTopic),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.OrDefault(m.logger).Named("transport.memory")
	return m
}

func (m *Memory) Name() string { return "memory" }

// Open 打开传输；关闭后再次 Open 会保留已有消息
func (m *Memory) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}
	select {
	case <-m.closed:
		m.closed = make(chan struct{})
	default:
	}
	m.open = true
	return nil
}

// Close 唤醒所有阻塞的 Dequeue/Receive，使其返回 ErrClosed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	m.open = false
	close(m.closed)
	return nil
}

func (m *Memory) state() (bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open, m.closed
}

func queueKey(queue string, partition int) string {
	return fmt.Sprintf("%s.%d", queue, partition)
}

func (m *Memory) queue(name string, partition int) *memoryQueue {
	key := queueKey(name, partition)
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = newMemoryQueue()
		m.queues[key] = q
	}
	return q
}

func (m *Memory) topic(name string) *memoryTopic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{subs: make(map[string]*memoryQueue)}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) DeclareQueue(ctx context.Context, queue string, partitions int) error {
	for p := 0; p < partitions; p++ {
		m.queue(queue, p)
	}
	return nil
}

func (m *Memory) Enqueue(ctx context.Context, queue string, partition int, msg *Message) error {
	if open, _ := m.state(); !open {
		return ErrClosed
	}
	m.queue(queue, partition).append(msg)
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, queue string, partition int) (Delivery, error) {
	q := m.queue(queue, partition)
	return m.take(ctx, q, partition)
}

func (m *Memory) DeclareTopic(ctx context.Context, topic string) error {
	m.topic(topic)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, subscription string, from StartPosition) error {
	m.topic(topic).subscribe(subscription, from, m.retain)
	return nil
}

// Publish 投递给发布时已存在的每个订阅
func (m *Memory) Publish(ctx context.Context, topic string, msg *Message) error {
	if open, _ := m.state(); !open {
		return ErrClosed
	}
	n := m.topic(topic).publish(msg, m.retain)
	if n == 0 {
		m.logger.Debug("no subscription for topic", zap.String("topic", topic), zap.String("messageId", msg.ID))
	}
	return nil
}

func (m *Memory) Receive(ctx context.Context, topic, subscription string) (Delivery, error) {
	q := m.topic(topic).subscribe(subscription, StartLatest, m.retain)
	return m.take(ctx, q, 0)
}

func (m *Memory) take(ctx context.Context, q *memoryQueue, partition int) (Delivery, error) {
	for {
		open, closed := m.state()
		if !open {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item := q.pop(); item != nil {
			return &delivery{
				msg:       item.msg,
				partition: partition,
				offset:    item.offset,
				attempt:   item.attempt,
				ack:       func(context.Context) error { return nil },
				nack: func(context.Context) error {
					q.requeue(item)
					return nil
				},
			}, nil
		}
		select {
		case <-q.notify:
		case <-closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// QueueDepth 分区中等待投递的消息数，不含已取出未确认的消息
func (m *Memory) QueueDepth(queue string, partition int) int {
	return m.queue(queue, partition).len()
}

type memoryItem struct {
	msg     *Message
	offset  int64
	attempt int
}

type memoryQueue struct {
	mu     sync.Mutex
	items  []*memoryItem
	next   int64
	notify chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) append(msg *Message) {
	q.mu.Lock()
	q.items = append(q.items, &memoryItem{msg: msg, offset: q.next, attempt: 1})
	q.next++
	q.mu.Unlock()
	q.signal()
}

// appendItem 订阅回放和主题分发时沿用主题内的 offset
func (q *memoryQueue) appendItem(item *memoryItem) {
	q.mu.Lock()
	q.items = append(q.items, &memoryItem{msg: item.msg, offset: item.offset, attempt: 1})
	q.mu.Unlock()
	q.signal()
}

func (q *memoryQueue) requeue(item *memoryItem) {
	q.mu.Lock()
	redelivery := &memoryItem{msg: item.msg, offset: item.offset, attempt: item.attempt + 1}
	q.items = append([]*memoryItem{redelivery}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *memoryQueue) pop() *memoryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return item
}

func (q *memoryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type memoryTopic struct {
	mu   sync.Mutex
	log  []*memoryItem
	next int64
	subs map[string]*memoryQueue
}

func (t *memoryTopic) subscribe(name string, from StartPosition, retain bool) *memoryQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.subs[name]; ok {
		return q
	}
	q := newMemoryQueue()
	if from == StartEarliest && retain {
		for _, item := range t.log {
			q.appendItem(item)
		}
	}
	t.subs[name] = q
	return q
}

func (t *memoryTopic) publish(msg *Message, retain bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := &memoryItem{msg: msg, offset: t.next, attempt: 1}
	t.next++
	if retain {
		t.log = append(t.log, item)
	}
	for _, q := range t.subs {
		q.appendItem(item)
	}
	return len(t.subs)
}
