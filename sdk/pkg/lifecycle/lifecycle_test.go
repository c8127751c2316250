package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeComponent struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
	stopWait time.Duration
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(ctx context.Context) error {
	f.rec.add("start " + f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	f.rec.add("stop " + f.name)
	if f.stopWait > 0 {
		select {
		case <-time.After(f.stopWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.stopErr
}

func TestStartAndStopOrder(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(time.Second, nil)
	c.Register(
		&fakeComponent{name: "publisher", rec: rec},
		&fakeComponent{name: "subscriber", rec: rec},
		&fakeComponent{name: "bus", rec: rec},
		&fakeComponent{name: "consumers", rec: rec},
	)

	require.NoError(t, c.StartAll(context.Background()))
	assert.True(t, c.Running())
	assert.ErrorIs(t, c.StartAll(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.StopAll(context.Background()))
	assert.False(t, c.Running())
	assert.NoError(t, c.StopAll(context.Background()))

	assert.Equal(t, []string{
		"start publisher", "start subscriber", "start bus", "start consumers",
		"stop consumers", "stop bus", "stop subscriber", "stop publisher",
	}, rec.get())
}

// TestStartFailureRollsBack 测试启动失败时已启动组件按逆序停止
func TestStartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("broker unreachable")
	c := NewCoordinator(time.Second, nil)
	c.Register(
		&fakeComponent{name: "publisher", rec: rec},
		&fakeComponent{name: "subscriber", rec: rec},
		&fakeComponent{name: "bus", rec: rec, startErr: boom},
		&fakeComponent{name: "consumers", rec: rec},
	)

	err := c.StartAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "bus", se.Component)
	assert.NoError(t, se.Rollback)
	assert.False(t, c.Running())

	assert.Equal(t, []string{
		"start publisher", "start subscriber", "start bus",
		"stop subscriber", "stop publisher",
	}, rec.get())
}

func TestStopAllAggregatesErrors(t *testing.T) {
	rec := &recorder{}
	e1 := errors.New("first")
	e2 := errors.New("second")
	c := NewCoordinator(time.Second, nil)
	c.Register(
		&fakeComponent{name: "a", rec: rec, stopErr: e1},
		&fakeComponent{name: "b", rec: rec},
		&fakeComponent{name: "c", rec: rec, stopErr: e2},
	)
	require.NoError(t, c.StartAll(context.Background()))

	err := c.StopAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}, rec.get())
}

// TestStopAllSharesTimeout 测试总超时由所有组件共享
func TestStopAllSharesTimeout(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(100*time.Millisecond, nil)
	c.Register(
		&fakeComponent{name: "fast", rec: rec},
		&fakeComponent{name: "slow", rec: rec, stopWait: time.Minute},
	)
	require.NoError(t, c.StartAll(context.Background()))

	begin := time.Now()
	err := c.StopAll(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Equal(t, []string{"start fast", "start slow", "stop slow", "stop fast"}, rec.get())
}

func TestReportFatalKeepsFirst(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	first := errors.New("redis unreachable")
	c.ReportFatal("consumer-0", first)
	c.ReportFatal("consumer-1", errors.New("later"))
	c.ReportFatal("consumer-2", nil)

	select {
	case err := <-c.Fatal():
		assert.ErrorIs(t, err, first)
		var fe *FatalError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "consumer-0", fe.Component)
	default:
		t.Fatal("fatal error not delivered")
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "stopped", Stopped.String())
}
