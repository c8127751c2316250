// Package transport moves commands, events and replies between processes.
//
// A Transport offers two shapes over one connection: partitioned queues,
// consumed by exactly one consumer per partition, and topics, where every
// named subscription sees every message. Deliveries are at-least-once: a
// delivery that is not acked is redelivered, before any later message of the
// same partition or subscription.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed 传输已关闭
	ErrClosed = errors.New("transport closed")
	// ErrAlreadySettled 同一投递重复 Ack/Nack
	ErrAlreadySettled = errors.New("delivery already settled")
)

// StartPosition 新订阅从哪里开始读取
type StartPosition int

const (
	StartEarliest StartPosition = iota // 从保留的最早消息开始
	StartLatest                        // 只接收订阅之后发布的消息
)

// HeaderDecodeError 传输无法解析消息信封时设置，Body 为原始内容
const HeaderDecodeError = "x-decode-error"

// Message 传输层消息
type Message struct {
	ID      string
	Key     string // 分区/排序键，通常是聚合ID
	Headers map[string]string
	Body    []byte
}

// Header 读取头，Headers 为空时返回空串
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// DecodeError 传输层解析失败的原因，没有时为 nil
func (m *Message) DecodeError() error {
	if reason := m.Header(HeaderDecodeError); reason != "" {
		return errors.New(reason)
	}
	return nil
}

// Delivery 一次投递
type Delivery interface {
	Message() *Message
	Partition() int
	// Offset 在分区或主题内单调递增的位置，传输无法提供时为 -1
	Offset() int64
	// Attempt 第几次投递，从 1 开始
	Attempt() int
	// Ack 确认处理完成，之后不会再投递
	Ack(ctx context.Context) error
	// Nack 放弃本次投递，消息会在同一分区的后续消息之前重新投递
	Nack(ctx context.Context) error
}

// Queue 分区队列
type Queue interface {
	DeclareQueue(ctx context.Context, queue string, partitions int) error
	Enqueue(ctx context.Context, queue string, partition int, msg *Message) error
	// Dequeue 阻塞直到有消息、ctx 结束或传输关闭
	Dequeue(ctx context.Context, queue string, partition int) (Delivery, error)
}

// Topic 发布订阅主题
type Topic interface {
	DeclareTopic(ctx context.Context, topic string) error
	// Subscribe 声明一个持久订阅；已存在时不改变其位置
	Subscribe(ctx context.Context, topic, subscription string, from StartPosition) error
	Publish(ctx context.Context, topic string, msg *Message) error
	// Receive 阻塞直到有消息；未声明的订阅按 StartLatest 自动声明
	Receive(ctx context.Context, topic, subscription string) (Delivery, error)
}

// Transport 一种具体的消息中间件
type Transport interface {
	Queue
	Topic
	Name() string
	Open(ctx context.Context) error
	Close() error
}

// delivery 各传输共用的投递实现，ack/nack 只会执行其中一个且只执行一次
type delivery struct {
	msg       *Message
	partition int
	offset    int64
	attempt   int
	once      sync.Once
	ack       func(ctx context.Context) error
	nack      func(ctx context.Context) error
}

func (d *delivery) Message() *Message { return d.msg }
func (d *delivery) Partition() int    { return d.partition }
func (d *delivery) Offset() int64     { return d.offset }
func (d *delivery) Attempt() int      { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, d.ack)
}

func (d *delivery) Nack(ctx context.Context) error {
	return d.settle(ctx, d.nack)
}

func (d *delivery) settle(ctx context.Context, fn func(ctx context.Context) error) error {
	err := ErrAlreadySettled
	d.once.Do(func() {
		err = nil
		if fn != nil {
			err = fn(ctx)
		}
	})
	return err
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
