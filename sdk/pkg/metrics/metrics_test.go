package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryConcurrentRecording(t *testing.T) {
	m := NewInMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordDispatch("ReduceProduct", "succeeded", 2, time.Millisecond)
			m.RecordConflict("ReduceProduct")
			m.RecordConsume("projector", true, time.Millisecond)
			m.RecordPublish("events", true, time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), m.Dispatched("succeeded"))
	assert.Equal(t, int64(100), m.Attempts)
	assert.Equal(t, int64(50), m.ConflictCount())
	assert.Equal(t, int64(50), m.Consumed("projector"))
	assert.Equal(t, int64(50), m.Published())
}

func TestOrNoOp(t *testing.T) {
	assert.Equal(t, NoOp{}, OrNoOp(nil))
	m := NewInMemory()
	assert.Same(t, m, OrNoOp(m))
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("test", reg)

	p.RecordSend("commands", true, time.Millisecond)
	p.RecordSend("commands", false, time.Millisecond)
	p.RecordDispatch("ReduceProduct", "succeeded", 3, 5*time.Millisecond)
	p.RecordConflict("ReduceProduct")
	p.RecordConflict("ReduceProduct")
	p.RecordPublish("events", true, time.Millisecond)
	p.RecordConsume("projector", false, time.Millisecond)
	p.RecordRedelivery("projector")
	p.RecordDeadLetter("commands")

	assert.Equal(t, 1.0, testutil.ToFloat64(p.sendTotal.WithLabelValues("commands", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sendTotal.WithLabelValues("commands", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.dispatchTotal.WithLabelValues("ReduceProduct", "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.conflicts.WithLabelValues("ReduceProduct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.publishTotal.WithLabelValues("events", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.consumeTotal.WithLabelValues("projector", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.redeliveries.WithLabelValues("projector")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.deadLetters.WithLabelValues("commands")))

	// 同一个 registry 上重复注册会 panic
	assert.Panics(t, func() { NewPrometheus("test", reg) })
}
