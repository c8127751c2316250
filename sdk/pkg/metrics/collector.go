package metrics

import (
	"sync"
	"time"
)

// Collector 指标收集器接口
// 命令总线、分发器、事件发布者和订阅者只依赖该接口
type Collector interface {
	// RecordSend 记录命令入队
	RecordSend(queue string, success bool, duration time.Duration)
	// RecordDispatch 记录一次命令分发的最终结果
	// status: succeeded, failed, transient
	RecordDispatch(commandType string, status string, attempts int, duration time.Duration)
	// RecordConflict 记录一次乐观并发冲突
	RecordConflict(commandType string)
	// RecordPublish 记录事件发布
	RecordPublish(topic string, success bool, duration time.Duration)
	// RecordConsume 记录订阅者处理事件
	RecordConsume(subscriber string, success bool, duration time.Duration)
	// RecordRedelivery 记录一次 Nack 重投
	RecordRedelivery(source string)
	// RecordDeadLetter 记录进入死信队列的消息
	RecordDeadLetter(queue string)
}

// NoOp 空操作收集器（默认实现）
type NoOp struct{}

func (NoOp) RecordSend(string, bool, time.Duration) {}
func (NoOp) RecordDispatch(string, string, int, time.Duration) {}
func (NoOp) RecordConflict(string) {}
func (NoOp) RecordPublish(string, bool, time.Duration) {}
func (NoOp) RecordConsume(string, bool, time.Duration) {}
func (NoOp) RecordRedelivery(string) {}
func (NoOp) RecordDeadLetter(string) {}

// OrNoOp c 为空时返回 NoOp
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOp{}
	}
	return c
}

// InMemory 内存收集器（用于测试和调试）
type InMemory struct {
	mu sync.RWMutex

	SendTotal   int64
	SendFailed  int64
	Dispatches  map[string]int64 // status -> count
	Attempts    int64
	Conflicts   map[string]int64 // commandType -> count
	PublishOK   int64
	PublishFail int64
	ConsumeOK   map[string]int64 // subscriber -> count
	ConsumeFail map[string]int64
	Redelivered map[string]int64
	DeadLetters map[string]int64
}

func NewInMemory() *InMemory {
	return &InMemory{
		Dispatches:  make(map[string]int64),
		Conflicts:   make(map[string]int64),
		ConsumeOK:   make(map[string]int64),
		ConsumeFail: make(map[string]int64),
		Redelivered: make(map[string]int64),
		DeadLetters: make(map[string]int64),
	}
}

func (m *InMemory) RecordSend(queue string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendTotal++
	if !success {
		m.SendFailed++
	}
}

func (m *InMemory) RecordDispatch(commandType string, status string, attempts int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dispatches[status]++
	m.Attempts += int64(attempts)
}

func (m *InMemory) RecordConflict(commandType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Conflicts[commandType]++
}

func (m *InMemory) RecordPublish(topic string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.PublishOK++
	} else {
		m.PublishFail++
	}
}

func (m *InMemory) RecordConsume(subscriber string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.ConsumeOK[subscriber]++
	} else {
		m.ConsumeFail[subscriber]++
	}
}

func (m *InMemory) RecordRedelivery(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Redelivered[source]++
}

func (m *InMemory) RecordDeadLetter(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeadLetters[queue]++
}

// Dispatched 某状态的分发次数
func (m *InMemory) Dispatched(status string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Dispatches[status]
}

// ConflictCount 所有命令类型的冲突总数
func (m *InMemory) ConflictCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, c := range m.Conflicts {
		n += c
	}
	return n
}

// Consumed 订阅者成功处理的事件数
func (m *InMemory) Consumed(subscriber string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConsumeOK[subscriber]
}

// Published 成功发布的事件数
func (m *InMemory) Published() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PublishOK
}
