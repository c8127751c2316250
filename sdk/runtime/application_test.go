package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/command"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

type product struct {
	domain.AggregateRoot
	Count int `json:"count"`
}

func (p *product) AggregateType() string { return "product" }

type stockPayload struct {
	Count int `json:"count"`
}

// projection 按聚合记录订阅者收到的事件版本
type projection struct {
	mu       sync.Mutex
	versions map[string][]int64
}

func (p *projection) record(ctx context.Context, evt *message.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions[evt.AggregateID] = append(p.versions[evt.AggregateID], evt.Version)
	return nil
}

func (p *projection) of(aggregateID string) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.versions[aggregateID]...)
}

func productRegistry(proj *projection, delay time.Duration, started, finished *atomic.Int64) *handler.Registry {
	r := handler.NewRegistry()
	r.MustRegisterCommand("CreateProduct", handler.Command(func(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command, in stockPayload) (interface{}, error) {
		p := &product{Count: in.Count}
		if err := uow.Create(cmd.AggregateID, p); err != nil {
			return nil, err
		}
		return nil, p.Raise("ProductCreated", in)
	}))
	r.MustRegisterCommand("ReduceProduct", handler.Command(func(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command, in stockPayload) (interface{}, error) {
		if started != nil {
			started.Add(1)
			defer finished.Add(1)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		p := &product{}
		if err := uow.Load(ctx, cmd.AggregateID, p); err != nil {
			return nil, err
		}
		if p.Count < in.Count {
			return nil, errors.New("insufficient stock")
		}
		p.Count -= in.Count
		if err := p.Raise("ProductReduced", in); err != nil {
			return nil, err
		}
		return stockPayload{Count: p.Count}, nil
	}))
	if proj != nil {
		r.RegisterEvent("ProductCreated", handler.EventHandlerFunc(proj.record))
		r.RegisterEvent("ProductReduced", handler.EventHandlerFunc(proj.record))
	}
	return r
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Application: &config.Application{Name: "runtime-test", InstanceID: "node-1"},
		Messaging: &config.Messaging{
			Events: config.EventConfig{
				Subscribers: []config.SubscriberConfig{{ID: "projection"}},
			},
			ShutdownTimeout: 10 * time.Second,
		},
	}
	cfg.Messaging.Commands.RedeliveryDelay = time.Millisecond
	return cfg
}

func startApp(t *testing.T, provider handler.Provider, repo domain.Repository) *Application {
	t.Helper()
	app, err := New(testConfig(), provider, WithRepository(repo))
	require.NoError(t, err)
	require.NoError(t, app.StartAll(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.StopAll(ctx)
	})
	return app
}

func submit(t *testing.T, app *Application, aggregateID, commandType string, count int) *message.Reply {
	t.Helper()
	cmd, err := message.NewCommand(aggregateID, commandType, stockPayload{Count: count})
	require.NoError(t, err)
	reply, err := app.SubmitCommandAndWait(context.Background(), cmd, 0)
	require.NoError(t, err)
	return reply
}

func loadCount(t *testing.T, repo domain.Repository, id string) int {
	t.Helper()
	cmd, err := message.NewCommand(id, "Inspect", nil)
	require.NoError(t, err)
	p := &product{}
	require.NoError(t, domain.NewUnitOfWork(repo, cmd).Load(context.Background(), id, p))
	return p.Count
}

func TestNewValidatesInput(t *testing.T) {
	_, err := New(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Messaging.Commands.Partitions = -1
	_, err = New(cfg, handler.NewRegistry())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Messaging.Lease.Enabled = true
	_, err = New(cfg, handler.NewRegistry())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Messaging.Events.Inbox = "mongo"
	_, err = New(cfg, handler.NewRegistry())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Messaging.Events.Inbox = "postgres"
	_, err = New(cfg, handler.NewRegistry())
	assert.Error(t, err)
}

// TestNewReturnsSetupErrors 测试组装中途失败时返回错误，并释放已创建的连接
func TestNewReturnsSetupErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis = &config.Redis{Addr: mr.Addr()}
	cfg.Messaging.Transport.Type = config.TransportRedis
	cfg.Messaging.Events.Store = "redis"

	var (
		app *Application
		err error
	)
	require.NotPanics(t, func() {
		app, err = New(cfg, handler.NewRegistry(), WithTransport(transport.NewMemory()))
	})
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "memory transport")
}

// TestConcurrentReductionsLoseNoUpdates 两个商品各 20000 库存，各 500 个并发扣减命令，最终都剩 19500
func TestConcurrentReductionsLoseNoUpdates(t *testing.T) {
	proj := &projection{versions: make(map[string][]int64)}
	repo := domain.NewMemoryRepository()
	app := startApp(t, productRegistry(proj, 0, nil, nil), repo)

	products := []string{"product-1", "product-2"}
	for _, id := range products {
		submit(t, app, id, "CreateProduct", 20000)
	}

	const perProduct = 500
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for _, id := range products {
		for i := 0; i < perProduct; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				cmd, err := message.NewCommand(id, "ReduceProduct", stockPayload{Count: 1})
				if err == nil {
					_, err = app.SubmitCommandAndWait(context.Background(), cmd, 0)
				}
				if err != nil {
					failed.Add(1)
				}
			}(id)
		}
	}
	wg.Wait()
	require.Zero(t, failed.Load())

	for _, id := range products {
		assert.Equal(t, 19500, loadCount(t, repo, id))
		assert.Equal(t, int64(perProduct+1), repo.Version(id))
	}

	require.Eventually(t, func() bool {
		return len(proj.of(products[0])) == perProduct+1 && len(proj.of(products[1])) == perProduct+1
	}, 10*time.Second, 10*time.Millisecond)
	for _, id := range products {
		for i, v := range proj.of(id) {
			require.Equal(t, int64(i+1), v, "aggregate %s", id)
		}
	}
}

// contendedRepository 每条命令第一次更新已有聚合时报告并发冲突，模拟另一个写入者抢先提交
type contendedRepository struct {
	*domain.MemoryRepository
	mu        sync.Mutex
	contended map[string]bool
	conflicts atomic.Int64
}

func (r *contendedRepository) Commit(ctx context.Context, commit *domain.Commit) error {
	r.mu.Lock()
	for _, ch := range commit.Changes {
		if ch.ExpectedVersion > 0 && !r.contended[commit.CommandID] {
			r.contended[commit.CommandID] = true
			r.mu.Unlock()
			r.conflicts.Add(1)
			return &domain.ConcurrencyConflictError{AggregateID: ch.AggregateID, Expected: ch.ExpectedVersion, Actual: ch.ExpectedVersion + 1}
		}
	}
	r.mu.Unlock()
	return r.MemoryRepository.Commit(ctx, commit)
}

// TestConflictsRetriedAcrossInstances 两个实例共用队列和仓储，冲突经 总线→消费者→分发器 重试后不丢更新
func TestConflictsRetriedAcrossInstances(t *testing.T) {
	repo := &contendedRepository{MemoryRepository: domain.NewMemoryRepository(), contended: make(map[string]bool)}
	shared := transport.NewShared(transport.NewMemory())

	apps := make([]*Application, 2)
	collectors := make([]*metrics.InMemory, 2)
	for i := range apps {
		cfg := testConfig()
		cfg.Application.InstanceID = fmt.Sprintf("node-%d", i+1)
		cfg.Messaging.Events.Subscribers = nil
		collectors[i] = metrics.NewInMemory()
		app, err := New(cfg, productRegistry(nil, 0, nil, nil),
			WithRepository(repo), WithTransport(shared), WithMetrics(collectors[i]))
		require.NoError(t, err)
		require.NoError(t, app.StartAll(context.Background()))
		apps[i] = app
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, app := range apps {
			_ = app.StopAll(ctx)
		}
	})

	submit(t, apps[0], "product-1", "CreateProduct", 20000)

	const perInstance = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = make(map[int64]bool)
		failed   atomic.Int64
	)
	for _, app := range apps {
		for i := 0; i < perInstance; i++ {
			wg.Add(1)
			go func(app *Application) {
				defer wg.Done()
				cmd, err := message.NewCommand("product-1", "ReduceProduct", stockPayload{Count: 1})
				if err != nil {
					failed.Add(1)
					return
				}
				reply, err := app.SubmitCommandAndWait(context.Background(), cmd, 0)
				if err != nil {
					failed.Add(1)
					return
				}
				mu.Lock()
				versions[reply.Version] = true
				mu.Unlock()
			}(app)
		}
	}
	wg.Wait()
	require.Zero(t, failed.Load())

	assert.Equal(t, 20000-2*perInstance, loadCount(t, repo, "product-1"))
	assert.Equal(t, int64(2*perInstance+1), repo.Version("product-1"))
	assert.Len(t, versions, 2*perInstance)
	assert.GreaterOrEqual(t, repo.conflicts.Load(), int64(2*perInstance))
	assert.GreaterOrEqual(t, collectors[0].ConflictCount()+collectors[1].ConflictCount(), int64(2*perInstance))
}

// TestResubmittedCommandIsNotAppliedTwice 同一命令ID再次提交时只重放结果
func TestResubmittedCommandIsNotAppliedTwice(t *testing.T) {
	repo := domain.NewMemoryRepository()
	app := startApp(t, productRegistry(nil, 0, nil, nil), repo)
	submit(t, app, "product-1", "CreateProduct", 10)

	cmd, err := message.NewCommand("product-1", "ReduceProduct", stockPayload{Count: 3})
	require.NoError(t, err)
	first, err := app.SubmitCommandAndWait(context.Background(), cmd, 0)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again := *cmd
	again.CorrelationID = message.NewID()
	second, err := app.SubmitCommandAndWait(context.Background(), &again, 0)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Version, second.Version)
	assert.JSONEq(t, string(first.Result), string(second.Result))

	assert.Equal(t, 7, loadCount(t, repo, "product-1"))
	assert.Equal(t, int64(2), repo.Version("product-1"))
}

func TestSubmitCommandAndWaitReturnsHandlerReply(t *testing.T) {
	app := startApp(t, productRegistry(nil, 0, nil, nil), domain.NewMemoryRepository())
	submit(t, app, "product-1", "CreateProduct", 10)

	reply := submit(t, app, "product-1", "ReduceProduct", 4)
	assert.True(t, reply.Success)
	var out stockPayload
	require.NoError(t, reply.DecodeResult(&out))
	assert.Equal(t, 6, out.Count)

	cmd, err := message.NewCommand("product-1", "ReduceProduct", stockPayload{Count: 100})
	require.NoError(t, err)
	_, err = app.SubmitCommandAndWait(context.Background(), cmd, 0)
	assert.ErrorIs(t, err, command.ErrBusinessRule)
}

func TestSubmitUnroutableCommand(t *testing.T) {
	app := startApp(t, productRegistry(nil, 0, nil, nil), domain.NewMemoryRepository())

	cmd, err := message.NewCommand("product-1", "DiscontinueProduct", nil)
	require.NoError(t, err)
	err = app.SubmitCommand(context.Background(), cmd)

	var unroutable *command.UnroutableCommandError
	assert.ErrorAs(t, err, &unroutable)
}

// TestStopAllFinishesInFlightCommands 停止时正在处理的命令完成提交，排队的命令留在队列中
func TestStopAllFinishesInFlightCommands(t *testing.T) {
	var started, finished atomic.Int64
	repo := domain.NewMemoryRepository()
	app, err := New(testConfig(), productRegistry(nil, 20*time.Millisecond, &started, &finished), WithRepository(repo))
	require.NoError(t, err)
	require.NoError(t, app.StartAll(context.Background()))

	submit(t, app, "product-1", "CreateProduct", 100)
	for i := 0; i < 20; i++ {
		cmd, err := message.NewCommand("product-1", "ReduceProduct", stockPayload{Count: 1})
		require.NoError(t, err)
		require.NoError(t, app.SubmitCommand(context.Background(), cmd))
	}
	require.Eventually(t, func() bool { return started.Load() >= 2 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.StopAll(ctx))

	assert.Equal(t, started.Load(), finished.Load())
	assert.Equal(t, finished.Load()+1, repo.Version("product-1"))
	assert.Equal(t, 100-int(finished.Load()), loadCount(t, repo, "product-1"))

	assert.False(t, app.Status().Running)
	cmd, err := message.NewCommand("product-1", "ReduceProduct", stockPayload{Count: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, app.SubmitCommand(context.Background(), cmd), command.ErrBusStopped)
}

func TestStatusReportsComponents(t *testing.T) {
	app, err := New(testConfig(), productRegistry(nil, 0, nil, nil))
	require.NoError(t, err)
	assert.False(t, app.Status().Healthy())

	require.NoError(t, app.StartAll(context.Background()))
	st := app.Status()
	assert.True(t, st.Healthy())
	assert.Equal(t, "node-1", st.InstanceID)
	assert.Equal(t, "memory", st.Transport)
	assert.Len(t, st.Consumers, 3)
	require.Len(t, st.Subscribers, 1)
	assert.Equal(t, "projection", st.Subscribers[0].SubscriberID)
	assert.IsType(t, &domain.MemoryRepository{}, app.GetRepository())
	assert.Nil(t, app.inbox)

	require.NoError(t, app.StopAll(context.Background()))
	st = app.Status()
	assert.False(t, st.Healthy())
	for _, c := range st.Consumers {
		assert.Equal(t, "stopped", c.Status.String())
	}
	require.NoError(t, app.StopAll(context.Background()))
	assert.ErrorIs(t, app.StartAll(context.Background()), ErrReleased)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	app, err := New(testConfig(), productRegistry(nil, 0, nil, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Status().Healthy() }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(fmt.Sprintf("Run did not return, status %+v", app.Status()))
	}
}
