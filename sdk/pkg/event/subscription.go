package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// Subscription 订阅进度
//
// LastProcessedOffset 为 -1 表示还没有处理过带位置的消息；传输不提供位置时只更新
// LastEventID，重启后依赖处理器幂等。
type Subscription struct {
	SubscriberID        string
	Topic               string
	LastProcessedOffset int64
	LastEventID         string
	UpdatedAt           time.Time
}

// NewSubscription 尚未处理任何消息的订阅
func NewSubscription(subscriberID, topic string) *Subscription {
	return &Subscription{SubscriberID: subscriberID, Topic: topic, LastProcessedOffset: -1}
}

// Advance 记录一条已处理的消息，offset 小于 0 时不改变位置
func (s *Subscription) Advance(offset int64, eventID string) {
	if offset >= 0 && offset > s.LastProcessedOffset {
		s.LastProcessedOffset = offset
	}
	s.LastEventID = eventID
	s.UpdatedAt = time.Now().UTC()
}

// Processed 该位置的消息是否已经处理过
func (s *Subscription) Processed(offset int64) bool {
	return offset >= 0 && offset <= s.LastProcessedOffset
}

// SubscriptionStore 订阅进度存储
type SubscriptionStore interface {
	// Load 不存在时返回 NewSubscription
	Load(ctx context.Context, subscriberID, topic string) (*Subscription, error)
	Save(ctx context.Context, sub *Subscription) error
}

// MemoryStore 内存订阅进度，进程重启后丢失
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Subscription)}
}

func subscriptionKey(subscriberID, topic string) string {
	return topic + "/" + subscriberID
}

func (m *MemoryStore) Load(ctx context.Context, subscriberID, topic string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.subs[subscriptionKey(subscriberID, topic)]; ok {
		return &s, nil
	}
	return NewSubscription(subscriberID, topic), nil
}

func (m *MemoryStore) Save(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[subscriptionKey(sub.SubscriberID, sub.Topic)] = *sub
	return nil
}

// RedisStore 以哈希保存订阅进度
// 键为 <prefix>subscription:<topic>:<subscriberID>，字段 offset、eventId、updatedAt
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(subscriberID, topic string) string {
	return fmt.Sprintf("%ssubscription:%s:%s", r.prefix, topic, subscriberID)
}

func (r *RedisStore) Load(ctx context.Context, subscriberID, topic string) (*Subscription, error) {
	fields, err := r.client.HGetAll(ctx, r.key(subscriberID, topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", subscriberID, err)
	}
	sub := NewSubscription(subscriberID, topic)
	if len(fields) == 0 {
		return sub, nil
	}
	if v, ok := fields["offset"]; ok {
		sub.LastProcessedOffset = cast.ToInt64(v)
	}
	sub.LastEventID = fields["eventId"]
	if v, ok := fields["updatedAt"]; ok {
		sub.UpdatedAt = time.UnixMilli(cast.ToInt64(v)).UTC()
	}
	return sub, nil
}

func (r *RedisStore) Save(ctx context.Context, sub *Subscription) error {
	err := r.client.HSet(ctx, r.key(sub.SubscriberID, sub.Topic),
		"offset", sub.LastProcessedOffset,
		"eventId", sub.LastEventID,
		"updatedAt", sub.UpdatedAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.SubscriberID, err)
	}
	return nil
}
