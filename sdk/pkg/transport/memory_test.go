package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, opts ...MemoryOption) *Memory {
	m := NewMemory(opts...)
	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemoryConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Transport {
		return openMemory(t, WithTopicRetention())
	}, conformanceOptions{earliestReplay: true, offsets: true})
}

func TestMemoryRejectsWhenClosed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Enqueue(ctx, "q", 0, &Message{ID: "1"})
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, m.Open(ctx))
	require.NoError(t, m.Enqueue(ctx, "q", 0, &Message{ID: "1"}))
	require.NoError(t, m.Close())

	_, err = m.Dequeue(ctx, "q", 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Publish(ctx, "t", &Message{ID: "e"}), ErrClosed)
}

func TestMemoryCloseWakesBlockedReaders(t *testing.T) {
	m := openMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Dequeue(ctx, "q", 0)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := m.Receive(ctx, "t", "sub")
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestMemoryReopenKeepsMessages(t *testing.T) {
	m := openMemory(t)
	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, "q", 0, &Message{ID: "kept"}))
	require.NoError(t, m.Close())
	require.NoError(t, m.Open(ctx))

	assert.Equal(t, 1, m.QueueDepth("q", 0))
	d, err := m.Dequeue(ctx, "q", 0)
	require.NoError(t, err)
	assert.Equal(t, "kept", d.Message().ID)
}

func TestMemoryPublishWithoutSubscriptionIsDropped(t *testing.T) {
	m := openMemory(t)
	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, "t", &Message{ID: "lost"}))
	require.NoError(t, m.Publish(ctx, "t", &Message{ID: "seen"}))

	// Receive 自动按 latest 订阅，只能看到之后发布的消息
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Publish(ctx, "t", &Message{ID: "after"})
	}()
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := m.Receive(rctx, "t", "late")
	require.NoError(t, err)
	assert.Equal(t, "after", d.Message().ID)
}

func TestMemoryPartitionsAreIndependent(t *testing.T) {
	m := openMemory(t)
	ctx := context.Background()
	require.NoError(t, m.DeclareQueue(ctx, "q", 2))
	require.NoError(t, m.Enqueue(ctx, "q", 0, &Message{ID: "p0"}))
	require.NoError(t, m.Enqueue(ctx, "q", 1, &Message{ID: "p1"}))

	// 分区0的未确认消息不阻塞分区1
	d0, err := m.Dequeue(ctx, "q", 0)
	require.NoError(t, err)
	d1, err := m.Dequeue(ctx, "q", 1)
	require.NoError(t, err)
	assert.Equal(t, "p0", d0.Message().ID)
	assert.Equal(t, "p1", d1.Message().ID)
	assert.Equal(t, 0, m.QueueDepth("q", 0))

	require.NoError(t, d0.Nack(ctx))
	assert.Equal(t, 1, m.QueueDepth("q", 0))
}
