package event

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lifecycle"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

func events(aggregateID string, from, n int) []*message.DomainEvent {
	out := make([]*message.DomainEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &message.DomainEvent{
			ID:            message.NewID(),
			AggregateID:   aggregateID,
			AggregateType: "Product",
			Version:       int64(from + i),
			Type:          "ProductReduced",
			Payload:       []byte(`{"reduceCount":1}`),
			OccurredAt:    time.Now().UTC(),
		})
	}
	return out
}

// seen 记录处理器收到的事件
type seen struct {
	mu       sync.Mutex
	versions []int64
}

func (s *seen) add(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, v)
}

func (s *seen) get() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.versions...)
}

func startPublisher(t *testing.T, tr transport.Transport, opts ...PublisherOption) *Publisher {
	t.Helper()
	p, err := NewPublisher(tr, []string{"events"}, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func TestPublisherRejectsWhenStopped(t *testing.T) {
	p, err := NewPublisher(transport.NewMemory(), []string{"events"})
	require.NoError(t, err)

	err = p.Publish(context.Background(), events("p-1", 1, 1))
	assert.ErrorIs(t, err, ErrPublisherStopped)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, lifecycle.Running, p.Status())
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	err = p.Publish(context.Background(), events("p-1", 1, 1))
	assert.ErrorIs(t, err, ErrPublisherStopped)

	_, err = NewPublisher(transport.NewMemory(), nil)
	assert.Error(t, err)
}

// TestPublisherFansOutToTopics 测试事件按顺序发布到每个主题，并带上类型和版本头
func TestPublisherFansOutToTopics(t *testing.T) {
	tr := transport.NewMemory()
	m := metrics.NewInMemory()
	p, err := NewPublisher(tr, []string{"events", "audit"}, WithPublisherMetrics(m))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	ctx := context.Background()
	require.NoError(t, tr.Subscribe(ctx, "events", "a", transport.StartLatest))
	require.NoError(t, tr.Subscribe(ctx, "audit", "b", transport.StartLatest))

	batch := events("p-1", 1, 3)
	require.NoError(t, p.Publish(ctx, batch))
	assert.Equal(t, int64(6), m.Published())

	for topic, sub := range map[string]string{"events": "a", "audit": "b"} {
		for i, want := range batch {
			d, err := tr.Receive(ctx, topic, sub)
			require.NoError(t, err)
			msg := d.Message()
			assert.Equal(t, want.ID, msg.ID)
			assert.Equal(t, "p-1", msg.Key)
			assert.Equal(t, "ProductReduced", msg.Header(HeaderEventType))
			assert.Equal(t, strconv.Itoa(i+1), msg.Header(HeaderAggregateVersion))
			require.NoError(t, d.Ack(ctx))
		}
	}
}

func TestPublisherRejectsInvalidEvent(t *testing.T) {
	p := startPublisher(t, transport.NewMemory())
	bad := events("p-1", 1, 1)
	bad[0].Version = 0
	assert.Error(t, p.Publish(context.Background(), bad))
}

func TestSubscriberProcessesInOrder(t *testing.T) {
	tr := transport.NewMemory()
	p := startPublisher(t, tr)

	var got seen
	reg := handler.NewRegistry()
	reg.RegisterEvent("ProductReduced", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		got.add(evt.Version)
		return nil
	}))
	m := metrics.NewInMemory()
	s, err := NewSubscriber("projection", "events", tr, reg, WithSubscriberMetrics(m))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, p.Publish(context.Background(), events("p-1", 1, 10)))
	require.Eventually(t, func() bool { return len(got.get()) == 10 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got.get())

	require.Eventually(t, func() bool { return s.State().Processed == 10 }, time.Second, 10*time.Millisecond)
	st := s.State()
	assert.Equal(t, lifecycle.Running, st.Status)
	assert.Equal(t, int64(9), st.LastProcessedOffset)
	assert.Equal(t, int64(10), m.Consumed("projection"))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, lifecycle.Stopped, s.State().Status)
}

// TestSubscriberRedeliversFailedEvent 测试失败的事件重投成功前不会处理后续事件
func TestSubscriberRedeliversFailedEvent(t *testing.T) {
	tr := transport.NewMemory()
	p := startPublisher(t, tr)

	var got seen
	failures := 2
	reg := handler.NewRegistry()
	reg.RegisterEvent("ProductReduced", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		if evt.Version == 2 && failures > 0 {
			failures--
			return errors.New("projection store unavailable")
		}
		got.add(evt.Version)
		return nil
	}))
	s, err := NewSubscriber("projection", "events", tr, reg, WithRedeliveryDelay(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, p.Publish(context.Background(), events("p-1", 1, 4)))
	require.Eventually(t, func() bool { return len(got.get()) == 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4}, got.get())
	assert.Equal(t, int64(2), s.State().Failed)
}

func TestSubscriberRecoversFromPanic(t *testing.T) {
	tr := transport.NewMemory()
	p := startPublisher(t, tr)

	var got seen
	panicked := false
	reg := handler.NewRegistry()
	reg.RegisterEvent("ProductReduced", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		if !panicked {
			panicked = true
			panic("boom")
		}
		got.add(evt.Version)
		return nil
	}))
	s, err := NewSubscriber("projection", "events", tr, reg, WithRedeliveryDelay(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, p.Publish(context.Background(), events("p-1", 1, 1)))
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestSubscriberAcksEventsWithoutHandler(t *testing.T) {
	tr := transport.NewMemory()
	p := startPublisher(t, tr)

	s, err := NewSubscriber("noop", "events", tr, handler.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, p.Publish(context.Background(), events("p-1", 1, 3)))
	require.Eventually(t, func() bool { return s.State().LastProcessedOffset == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), s.State().Failed)
}

// TestSubscriberSkipsProcessedOffsets 测试重启后跳过已保存位置之前的事件
func TestSubscriberSkipsProcessedOffsets(t *testing.T) {
	tr := transport.NewMemory(transport.WithTopicRetention())
	p := startPublisher(t, tr)
	require.NoError(t, p.Publish(context.Background(), events("p-1", 1, 5)))

	store := NewMemoryStore()
	saved := NewSubscription("projection", "events")
	saved.Advance(2, "already")
	require.NoError(t, store.Save(context.Background(), saved))

	var got seen
	reg := handler.NewRegistry()
	reg.RegisterEvent("ProductReduced", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		got.add(evt.Version)
		return nil
	}))
	s, err := NewSubscriber("projection", "events", tr, reg,
		WithSubscriptionStore(store), WithStartPosition(transport.StartEarliest))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return len(got.get()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{4, 5}, got.get())

	sub, err := store.Load(context.Background(), "projection", "events")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sub.LastProcessedOffset)
}

// TestSubscriberSkipsEventsInInbox 测试收件箱中已有的事件ID不再交给处理器
func TestSubscriberSkipsEventsInInbox(t *testing.T) {
	tr := transport.NewMemory()
	p := startPublisher(t, tr)

	evts := events("p-1", 1, 3)
	inbox := NewMemoryInbox()
	require.NoError(t, inbox.Mark(context.Background(), "projection", evts[1].ID))

	var got seen
	reg := handler.NewRegistry()
	reg.RegisterEvent("ProductReduced", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		got.add(evt.Version)
		return nil
	}))
	s, err := NewSubscriber("projection", "events", tr, reg, WithInbox(inbox))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, p.Publish(context.Background(), evts))
	require.Eventually(t, func() bool { return s.State().LastProcessedOffset == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 3}, got.get())

	marked, err := inbox.Seen(context.Background(), "projection", evts[2].ID)
	require.NoError(t, err)
	assert.True(t, marked)
}

// TestSubscriberStopWaitsForInflight 测试停止时等待正在处理的事件完成
func TestSubscriberStopWaitsForInflight(t *testing.T) {
	tr := transport.NewMemory()
	p := startPublisher(t, tr)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	reg := handler.NewRegistry()
	reg.RegisterEvent("ProductReduced", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		close(started)
		<-release
		finished = true
		return nil
	}))
	s, err := NewSubscriber("projection", "events", tr, reg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, p.Publish(context.Background(), events("p-1", 1, 1)))
	<-started

	stopped := make(chan error)
	go func() { stopped <- s.Stop(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, lifecycle.Draining, s.State().Status)
	close(release)

	require.NoError(t, <-stopped)
	assert.True(t, finished)
	assert.Equal(t, int64(1), s.State().Processed)
}

func TestSubscriberDropsUndecodableMessages(t *testing.T) {
	tr := transport.NewMemory()
	require.NoError(t, tr.Open(context.Background()))

	var got seen
	reg := handler.NewRegistry()
	reg.RegisterEvent("ProductReduced", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		got.add(evt.Version)
		return nil
	}))
	s, err := NewSubscriber("projection", "events", tr, reg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, tr.Publish(context.Background(), "events", &transport.Message{ID: "x", Body: []byte("garbage")}))
	good := events("p-1", 1, 1)[0]
	body, err := good.Marshal()
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), "events", &transport.Message{ID: good.ID, Body: body}))

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), s.State().Failed)
}

func TestIdempotentHandler(t *testing.T) {
	inbox := NewMemoryInbox()
	calls := 0
	fail := true
	h := Idempotent("projection", handler.EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		calls++
		if fail {
			fail = false
			return errors.New("transient")
		}
		return nil
	}), inbox)

	evt := events("p-1", 1, 1)[0]
	assert.Error(t, h.Handle(context.Background(), evt))
	require.NoError(t, h.Handle(context.Background(), evt))
	require.NoError(t, h.Handle(context.Background(), evt))
	assert.Equal(t, 2, calls)

	ok, err := inbox.Seen(context.Background(), "audit", evt.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisStore(t *testing.T) {
	client, mr := newRedisClient(t)
	store := NewRedisStore(client, "jxt:")
	ctx := context.Background()

	sub, err := store.Load(ctx, "projection", "events")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), sub.LastProcessedOffset)

	sub.Advance(42, "e-42")
	require.NoError(t, store.Save(ctx, sub))
	assert.True(t, mr.Exists("jxt:subscription:events:projection"))

	back, err := store.Load(ctx, "projection", "events")
	require.NoError(t, err)
	assert.Equal(t, int64(42), back.LastProcessedOffset)
	assert.Equal(t, "e-42", back.LastEventID)
	assert.WithinDuration(t, sub.UpdatedAt, back.UpdatedAt, time.Second)
}

func TestRedisInbox(t *testing.T) {
	client, mr := newRedisClient(t)
	inbox := NewRedisInbox(client, "jxt:", time.Hour)
	ctx := context.Background()

	ok, err := inbox.Seen(ctx, "projection", "e-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, inbox.Mark(ctx, "projection", "e-1"))
	require.NoError(t, inbox.Mark(ctx, "projection", "e-1"))
	ok, err = inbox.Seen(ctx, "projection", "e-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Hour)
	ok, err = inbox.Seen(ctx, "projection", "e-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscriptionAdvance(t *testing.T) {
	sub := NewSubscription("s", "t")
	assert.False(t, sub.Processed(0))
	assert.False(t, sub.Processed(-1))

	sub.Advance(5, "e5")
	assert.True(t, sub.Processed(5))
	assert.False(t, sub.Processed(6))

	sub.Advance(-1, "e-unordered")
	assert.Equal(t, int64(5), sub.LastProcessedOffset)
	assert.Equal(t, "e-unordered", sub.LastEventID)
}
