package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// Inbox 已处理事件记录，按订阅者区分
type Inbox interface {
	Seen(ctx context.Context, subscriberID, eventID string) (bool, error)
	Mark(ctx context.Context, subscriberID, eventID string) error
}

// Idempotent 包装事件处理器：已处理过的事件直接返回成功，处理成功后记录事件ID
//
// 处理器执行成功但记录失败时返回错误，事件会被重投并再次执行处理器。
func Idempotent(subscriberID string, h handler.EventHandler, inbox Inbox) handler.EventHandler {
	return handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		seen, err := inbox.Seen(ctx, subscriberID, evt.ID)
		if err != nil {
			return fmt.Errorf("check inbox for %s: %w", evt.ID, err)
		}
		if seen {
			return nil
		}
		if err := h.Handle(ctx, evt); err != nil {
			return err
		}
		if err := inbox.Mark(ctx, subscriberID, evt.ID); err != nil {
			return fmt.Errorf("mark %s processed: %w", evt.ID, err)
		}
		return nil
	})
}

// MemoryInbox 内存收件箱
type MemoryInbox struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{seen: make(map[string]struct{})}
}

func (m *MemoryInbox) Seen(ctx context.Context, subscriberID, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[subscriberID+"/"+eventID]
	return ok, nil
}

func (m *MemoryInbox) Mark(ctx context.Context, subscriberID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[subscriberID+"/"+eventID] = struct{}{}
	return nil
}

// RedisInbox 每个已处理事件一个键，ttl 为 0 时永久保存
type RedisInbox struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisInbox(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisInbox {
	return &RedisInbox{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisInbox) key(subscriberID, eventID string) string {
	return fmt.Sprintf("%sinbox:%s:%s", r.prefix, subscriberID, eventID)
}

func (r *RedisInbox) Seen(ctx context.Context, subscriberID, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(subscriberID, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisInbox) Mark(ctx context.Context, subscriberID, eventID string) error {
	return r.client.SetNX(ctx, r.key(subscriberID, eventID), time.Now().UnixMilli(), r.ttl).Err()
}
