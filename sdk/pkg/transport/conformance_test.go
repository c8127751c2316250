package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conformanceOptions 各传输能力不同，按需关闭部分用例
type conformanceOptions struct {
	// earliestReplay 订阅可以从主题最早的消息开始
	earliestReplay bool
	// offsets 传输提供单调的 offset
	offsets bool
	timeout time.Duration
}

// runConformance 所有传输共用的行为测试
func runConformance(t *testing.T, open func(t *testing.T) Transport, opts conformanceOptions) {
	if opts.timeout == 0 {
		opts.timeout = 10 * time.Second
	}
	name := func(prefix string) string {
		return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
	}
	ctxFor := func(t *testing.T) context.Context {
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		t.Cleanup(cancel)
		return ctx
	}

	t.Run("queue preserves partition order", func(t *testing.T) {
		tr := open(t)
		ctx := ctxFor(t)
		queue := name("orders")
		require.NoError(t, tr.DeclareQueue(ctx, queue, 2))

		for i := 0; i < 5; i++ {
			require.NoError(t, tr.Enqueue(ctx, queue, 1, &Message{
				ID:      fmt.Sprintf("m-%d", i),
				Key:     "agg-1",
				Headers: map[string]string{"seq": fmt.Sprint(i)},
				Body:    []byte(fmt.Sprintf(`{"n":%d}`, i)),
			}))
		}

		var lastOffset int64 = -1
		for i := 0; i < 5; i++ {
			d, err := tr.Dequeue(ctx, queue, 1)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("m-%d", i), d.Message().ID)
			assert.Equal(t, "agg-1", d.Message().Key)
			assert.Equal(t, fmt.Sprint(i), d.Message().Header("seq"))
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(d.Message().Body))
			assert.Equal(t, 1, d.Partition())
			assert.Equal(t, 1, d.Attempt())
			if opts.offsets {
				assert.Greater(t, d.Offset(), lastOffset)
				lastOffset = d.Offset()
			}
			require.NoError(t, d.Ack(ctx))
		}
	})

	t.Run("nack redelivers before later messages", func(t *testing.T) {
		tr := open(t)
		ctx := ctxFor(t)
		queue := name("retry")
		require.NoError(t, tr.DeclareQueue(ctx, queue, 1))
		require.NoError(t, tr.Enqueue(ctx, queue, 0, &Message{ID: "first", Body: []byte(`{}`)}))
		require.NoError(t, tr.Enqueue(ctx, queue, 0, &Message{ID: "second", Body: []byte(`{}`)}))

		d, err := tr.Dequeue(ctx, queue, 0)
		require.NoError(t, err)
		require.Equal(t, "first", d.Message().ID)
		require.NoError(t, d.Nack(ctx))

		again, err := tr.Dequeue(ctx, queue, 0)
		require.NoError(t, err)
		assert.Equal(t, "first", again.Message().ID)
		assert.Equal(t, 2, again.Attempt())
		require.NoError(t, again.Ack(ctx))

		next, err := tr.Dequeue(ctx, queue, 0)
		require.NoError(t, err)
		assert.Equal(t, "second", next.Message().ID)
		require.NoError(t, next.Ack(ctx))
	})

	t.Run("delivery settles once", func(t *testing.T) {
		tr := open(t)
		ctx := ctxFor(t)
		queue := name("settle")
		require.NoError(t, tr.DeclareQueue(ctx, queue, 1))
		require.NoError(t, tr.Enqueue(ctx, queue, 0, &Message{ID: "only", Body: []byte(`{}`)}))

		d, err := tr.Dequeue(ctx, queue, 0)
		require.NoError(t, err)
		require.NoError(t, d.Ack(ctx))
		assert.ErrorIs(t, d.Ack(ctx), ErrAlreadySettled)
		assert.ErrorIs(t, d.Nack(ctx), ErrAlreadySettled)
	})

	t.Run("every subscription receives every message", func(t *testing.T) {
		tr := open(t)
		ctx := ctxFor(t)
		topic := name("events")
		require.NoError(t, tr.DeclareTopic(ctx, topic))
		require.NoError(t, tr.Subscribe(ctx, topic, "projector", StartLatest))
		require.NoError(t, tr.Subscribe(ctx, topic, "notifier", StartLatest))

		for i := 0; i < 3; i++ {
			require.NoError(t, tr.Publish(ctx, topic, &Message{ID: fmt.Sprintf("e-%d", i), Key: "agg", Body: []byte(`{}`)}))
		}

		for _, sub := range []string{"projector", "notifier"} {
			var lastOffset int64 = -1
			for i := 0; i < 3; i++ {
				d, err := tr.Receive(ctx, topic, sub)
				require.NoError(t, err, sub)
				assert.Equal(t, fmt.Sprintf("e-%d", i), d.Message().ID, sub)
				if opts.offsets {
					assert.Greater(t, d.Offset(), lastOffset)
					lastOffset = d.Offset()
				}
				require.NoError(t, d.Ack(ctx))
			}
		}
	})

	if opts.earliestReplay {
		t.Run("earliest subscription replays history", func(t *testing.T) {
			tr := open(t)
			ctx := ctxFor(t)
			topic := name("history")
			require.NoError(t, tr.DeclareTopic(ctx, topic))
			require.NoError(t, tr.Subscribe(ctx, topic, "first", StartLatest))
			require.NoError(t, tr.Publish(ctx, topic, &Message{ID: "old", Body: []byte(`{}`)}))

			require.NoError(t, tr.Subscribe(ctx, topic, "late", StartEarliest))
			d, err := tr.Receive(ctx, topic, "late")
			require.NoError(t, err)
			assert.Equal(t, "old", d.Message().ID)
			require.NoError(t, d.Ack(ctx))
		})
	}

	t.Run("dequeue honours context", func(t *testing.T) {
		tr := open(t)
		queue := name("idle")
		require.NoError(t, tr.DeclareQueue(context.Background(), queue, 1))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := tr.Dequeue(ctx, queue, 0)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
