package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/command"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	gormrepo "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain/adapters/gorm"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/event"
	gormstore "github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/event/adapters/gorm"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/event/adapters/postgres"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/handler"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lease"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lifecycle"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/metrics"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/tracing"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

var _ Runtime = (*Application)(nil)

// ErrReleased StopAll 之后连接已关闭，应用不能再次启动
var ErrReleased = errors.New("runtime: application already released")

// Application 进程级的 CQRS 上下文，持有传输、仓储和全部组件
//
// 所有组件共用同一个引用计数的传输句柄，由 lifecycle.Coordinator 统一启停。
type Application struct {
	cfg      *config.Config
	logger   *zap.Logger
	provider handler.Provider

	repo      domain.Repository
	transport *transport.Shared
	metrics   metrics.Collector
	redis     redis.UniversalClient
	db        *gorm.DB
	store     event.SubscriptionStore
	inbox     event.Inbox

	publisher   *event.Publisher
	subscribers []*event.Subscriber
	dispatcher  *command.Dispatcher
	pool        *command.ConsumerPool
	bus         *command.Bus
	coordinator *lifecycle.Coordinator

	mu              sync.Mutex
	shutdownTracing func(context.Context) error
	closers         []func() error
	released        bool
}

type options struct {
	repo      domain.Repository
	transport transport.Transport
	metrics   metrics.Collector
	logger    *zap.Logger
	redis     redis.UniversalClient
	store     event.SubscriptionStore
	inbox     event.Inbox
	registry  prometheus.Registerer
	db        *gorm.DB
}

// Option 应用选项，未指定的依赖按配置创建
type Option func(*options)

// WithRepository 使用指定的聚合仓储，不再按 database 配置创建
func WithRepository(repo domain.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithTransport 使用指定的传输，不再按 messaging.transport 配置创建
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithPrometheusRegisterer metrics.enabled 时在 reg 上注册指标，默认 prometheus.DefaultRegisterer
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRedisClient 复用已有的 Redis 客户端，应用停止时不会关闭它
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redis = c }
}

// WithSubscriptionStore 使用指定的订阅进度存储，不再按 messaging.events.store 创建
func WithSubscriptionStore(s event.SubscriptionStore) Option {
	return func(o *options) { o.store = s }
}

// WithInbox 使用指定的已处理事件收件箱，不再按 messaging.events.inbox 创建
func WithInbox(i event.Inbox) Option {
	return func(o *options) { o.inbox = i }
}

// WithDB 复用已有的 gorm 连接，应用停止时不会关闭它
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// New 按配置组装应用，返回时组件尚未启动
//
// provider 通常是启动时构建好的 *handler.Registry。
func New(cfg *config.Config, provider handler.Provider, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.AppConfig
	}
	if provider == nil {
		return nil, errors.New("runtime: handler provider is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &Application{
		cfg:      cfg,
		logger:   logger.OrDefault(o.logger).Named("runtime"),
		provider: provider,
		redis:    o.redis,
		db:       o.db,
	}
	if err := app.setup(&o); err != nil {
		if rerr := app.release(); rerr != nil {
			app.logger.Warn("release after failed setup", zap.Error(rerr))
		}
		return nil, err
	}
	return app, nil
}

func (e *Application) setup(o *options) error {
	if err := e.setupRedis(); err != nil {
		return err
	}
	if err := e.setupRepository(o.repo); err != nil {
		return err
	}
	e.setupMetrics(o.metrics, o.registry)
	if err := e.setupTransport(o.transport); err != nil {
		return err
	}
	if err := e.setupStore(o.store); err != nil {
		return err
	}
	if err := e.setupInbox(o.inbox); err != nil {
		return err
	}
	return e.setupComponents()
}

// setupRedis 传输、租约或订阅进度需要 Redis 且未注入客户端时按配置创建
func (e *Application) setupRedis() error {
	if e.redis != nil {
		return nil
	}
	m := e.cfg.Messaging
	needed := m.Transport.Type == config.TransportRedis || m.Lease.Enabled ||
		m.Events.Store == "redis" || m.Events.Inbox == "redis"
	if !needed {
		return nil
	}
	if e.cfg.Redis.Addr == "" {
		return errors.New("runtime: redis.addr is required")
	}
	client := e.cfg.Redis.NewClient()
	e.redis = client
	e.closers = append(e.closers, client.Close)
	return nil
}

func (e *Application) setupRepository(repo domain.Repository) error {
	if repo != nil {
		e.repo = repo
		return nil
	}
	if !e.cfg.Database.Enabled() && e.db == nil {
		e.repo = domain.NewMemoryRepository()
		e.logger.Info("using in-memory aggregate repository")
		return nil
	}
	if err := e.openDB(); err != nil {
		return err
	}
	if e.cfg.Database.AutoMigrate {
		if err := gormrepo.AutoMigrate(e.db); err != nil {
			return fmt.Errorf("runtime: migrate repository tables: %w", err)
		}
	}
	e.repo = gormrepo.NewRepository(e.db)
	return nil
}

func (e *Application) openDB() error {
	if e.db != nil {
		return nil
	}
	db, err := gormrepo.Open(e.cfg.Database, e.logger, e.cfg.Logger.GormLoggerLevel)
	if err != nil {
		return fmt.Errorf("runtime: open database: %w", err)
	}
	e.db = db
	e.closers = append(e.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	return nil
}

func (e *Application) setupMetrics(c metrics.Collector, reg prometheus.Registerer) {
	switch {
	case c != nil:
		e.metrics = c
	case e.cfg.Metrics.Enabled:
		e.metrics = metrics.NewPrometheus(e.cfg.Metrics.Namespace, reg)
	default:
		e.metrics = metrics.NoOp{}
	}
}

func (e *Application) setupTransport(t transport.Transport) error {
	if t == nil {
		var err error
		t, err = transport.New(&e.cfg.Messaging.Transport, transport.Options{
			InstanceID:  e.cfg.Application.InstanceID,
			Logger:      e.logger,
			Redis:       e.cfg.Redis,
			RedisClient: e.redis,
		})
		if err != nil {
			return fmt.Errorf("runtime: %w", err)
		}
	}
	e.transport = transport.NewShared(t)
	return nil
}

func (e *Application) setupStore(s event.SubscriptionStore) error {
	if s != nil {
		e.store = s
		return nil
	}
	if e.transport.Name() == config.TransportMemory && e.cfg.Messaging.Events.Store != "memory" {
		return fmt.Errorf("runtime: subscription store %s cannot track offsets of the memory transport", e.cfg.Messaging.Events.Store)
	}
	switch e.cfg.Messaging.Events.Store {
	case "redis":
		e.store = event.NewRedisStore(e.redis, e.cfg.Messaging.Transport.Redis.Prefix)
	case "gorm":
		if err := e.openDB(); err != nil {
			return err
		}
		if e.cfg.Database.AutoMigrate {
			if err := gormstore.AutoMigrate(e.db); err != nil {
				return fmt.Errorf("runtime: migrate subscription table: %w", err)
			}
		}
		e.store = gormstore.NewStore(e.db)
	default:
		e.store = event.NewMemoryStore()
	}
	return nil
}

func (e *Application) setupInbox(i event.Inbox) error {
	if i != nil {
		e.inbox = i
		return nil
	}
	switch e.cfg.Messaging.Events.Inbox {
	case "memory":
		e.inbox = event.NewMemoryInbox()
	case "redis":
		e.inbox = event.NewRedisInbox(e.redis, e.cfg.Messaging.Transport.Redis.Prefix, e.cfg.Messaging.Events.InboxTTL)
	case "postgres":
		if e.cfg.Database.Postgres.DSN == "" {
			return errors.New("runtime: database.postgres.dsn is required for the postgres inbox")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := postgres.Connect(ctx, e.cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("runtime: connect postgres: %w", err)
		}
		e.closers = append(e.closers, func() error {
			pool.Close()
			return nil
		})
		inbox := postgres.NewInbox(pool)
		if err := inbox.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("runtime: create inbox table: %w", err)
		}
		e.inbox = inbox
	}
	return nil
}

func (e *Application) setupComponents() error {
	m := e.cfg.Messaging
	retry := transport.PolicyFrom(m.Transport.Retry)
	e.coordinator = lifecycle.NewCoordinator(m.ShutdownTimeout, e.logger)
	fatal := e.coordinator.ReportFatal

	var err error
	e.publisher, err = event.NewPublisher(e.transport, m.Events.Topics,
		event.WithPublisherLogger(e.logger),
		event.WithPublisherMetrics(e.metrics),
		event.WithPublisherRetry(retry))
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	for _, sc := range m.Events.Subscribers {
		from := transport.StartEarliest
		if sc.StartFrom == config.StartLatest {
			from = transport.StartLatest
		}
		sub, err := event.NewSubscriber(sc.ID, sc.Topic, e.transport, e.provider,
			event.WithSubscriberLogger(e.logger),
			event.WithSubscriberMetrics(e.metrics),
			event.WithSubscriptionStore(e.store),
			event.WithInbox(e.inbox),
			event.WithStartPosition(from),
			event.WithRedeliveryDelay(m.Events.RedeliveryDelay),
			event.WithSubscriberRetry(retry),
			event.WithFatalHandler(fatal))
		if err != nil {
			return fmt.Errorf("runtime: subscriber %s: %w", sc.ID, err)
		}
		e.subscribers = append(e.subscribers, sub)
	}

	e.dispatcher, err = command.NewDispatcher(e.repo, e.provider, e.publisher,
		command.WithMaxAttempts(m.Commands.MaxDispatchAttempts),
		command.WithDispatcherMetrics(e.metrics),
		command.WithDispatcherLogger(e.logger))
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	var leaser lease.Leaser = lease.Noop{}
	if m.Lease.Enabled {
		leaser = lease.NewRedis(e.redis, m.Lease.TTL, m.Lease.Prefix, e.logger)
	}
	e.pool, err = command.NewConsumerPool(e.transport, e.dispatcher, m.Commands.Queue, m.Commands.Partitions,
		command.WithLeaser(leaser),
		command.WithDeadLetter(m.Commands.DeadLetter),
		command.WithConsumerRedeliveryDelay(m.Commands.RedeliveryDelay),
		command.WithConsumerRetry(retry),
		command.WithConsumerMetrics(e.metrics),
		command.WithConsumerLogger(e.logger),
		command.WithConsumerFatalHandler(fatal))
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	e.bus, err = command.NewBus(e.transport, e.provider, m.Commands, e.cfg.Application.InstanceID,
		command.WithBusLogger(e.logger),
		command.WithBusMetrics(e.metrics),
		command.WithBusRetry(retry),
		command.WithBusFatalHandler(fatal))
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	e.coordinator.Register(e.publisher)
	for _, sub := range e.subscribers {
		e.coordinator.Register(sub)
	}
	e.coordinator.Register(e.bus, e.pool)
	return nil
}

// StartAll 启动链路追踪和全部组件；任一组件启动失败时已启动的组件会被逆序停止
//
// StopAll 释放连接后应用不能再启动，返回 ErrReleased。
func (e *Application) StartAll(ctx context.Context) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrReleased
	}
	if e.shutdownTracing == nil {
		shutdown, err := tracing.Setup(ctx, e.cfg.Tracing)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("runtime: setup tracing: %w", err)
		}
		e.shutdownTracing = shutdown
	}
	e.mu.Unlock()

	if err := e.coordinator.StartAll(ctx); err != nil {
		return err
	}
	e.logger.Info("application started",
		zap.String("instanceId", e.cfg.Application.InstanceID),
		zap.String("transport", e.transport.Name()),
		zap.Int("partitions", e.cfg.Messaging.Commands.Partitions),
		zap.Int("subscribers", len(e.subscribers)))
	return nil
}

// StopAll 逆序停止全部组件，然后释放应用创建的连接
func (e *Application) StopAll(ctx context.Context) error {
	err := e.coordinator.StopAll(ctx)
	err = multierr.Append(err, e.release())
	if err != nil {
		e.logger.Warn("application stopped with errors", zap.Error(err))
		return err
	}
	e.logger.Info("application stopped")
	return nil
}

// release 关闭追踪导出器以及应用自己创建的 Redis 客户端和数据库连接，只执行一次
func (e *Application) release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	e.released = true

	var err error
	if e.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, e.shutdownTracing(ctx))
		cancel()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i]())
	}
	return err
}

// Run 启动后阻塞，直到 ctx 结束或组件上报致命错误，然后在关闭超时内停止
func (e *Application) Run(ctx context.Context) error {
	if err := e.StartAll(ctx); err != nil {
		return err
	}
	var cause error
	select {
	case <-ctx.Done():
	case cause = <-e.Fatal():
		e.logger.Error("fatal component error, shutting down", zap.Error(cause))
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Messaging.ShutdownTimeout)
	defer cancel()
	return multierr.Append(cause, e.StopAll(stopCtx))
}

func (e *Application) SubmitCommand(ctx context.Context, cmd *message.Command) error {
	return e.bus.Send(ctx, cmd)
}

func (e *Application) SubmitCommandAndWait(ctx context.Context, cmd *message.Command, timeout time.Duration) (*message.Reply, error) {
	return e.bus.SendAndWait(ctx, cmd, timeout)
}

// Fatal 组件在传输重试耗尽后上报的第一个错误
func (e *Application) Fatal() <-chan error {
	return e.coordinator.Fatal()
}

func (e *Application) Status() Status {
	s := Status{
		InstanceID:     e.cfg.Application.InstanceID,
		Running:        e.coordinator.Running(),
		Transport:      e.transport.Name(),
		Bus:            e.bus.Status(),
		Publisher:      e.publisher.Status(),
		Consumers:      e.pool.States(),
		PendingReplies: e.bus.Waiting(),
	}
	for _, sub := range e.subscribers {
		s.Subscribers = append(s.Subscribers, sub.State())
	}
	return s
}

func (e *Application) GetConfig() *config.Config {
	return e.cfg
}

func (e *Application) GetLogger() *zap.Logger {
	return e.logger
}

func (e *Application) GetRepository() domain.Repository {
	return e.repo
}

func (e *Application) GetTransport() transport.Transport {
	return e.transport
}

func (e *Application) GetBus() *command.Bus {
	return e.bus
}

func (e *Application) GetDispatcher() *command.Dispatcher {
	return e.dispatcher
}

func (e *Application) GetPublisher() *event.Publisher {
	return e.publisher
}

func (e *Application) GetSubscribers() []*event.Subscriber {
	return append([]*event.Subscriber(nil), e.subscribers...)
}
