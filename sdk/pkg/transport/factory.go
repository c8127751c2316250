package transport

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// Options 创建传输时的运行期参数
type Options struct {
	// InstanceID Redis 消费者名等需要区分进程的场景使用，为空时生成
	InstanceID string
	Logger     *zap.Logger
	// Redis 连接配置，Type 为 redis 且 RedisClient 为空时必填
	Redis *config.Redis
	// RedisClient 复用已有客户端，传输关闭时不会关闭它
	RedisClient redis.UniversalClient
}

// New 按配置创建传输，返回的传输尚未 Open
func New(cfg *config.TransportConfig, opts Options) (Transport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport config is required")
	}
	l := logger.OrDefault(opts.Logger)
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}

	var t Transport
	switch cfg.Type {
	case "", config.TransportMemory:
		var mopts []MemoryOption
		if cfg.Memory.RetainTopics {
			mopts = append(mopts, WithTopicRetention())
		}
		t = NewMemory(append(mopts, WithMemoryLogger(l))...)
	case config.TransportRedis:
		client, owned := opts.RedisClient, false
		if client == nil {
			if opts.Redis == nil || opts.Redis.Addr == "" {
				return nil, fmt.Errorf("redis transport requires redis.addr")
			}
			client, owned = opts.Redis.NewClient(), true
		}
		t = NewRedis(client, owned, cfg.Redis, opts.InstanceID, l)
	case config.TransportKafka:
		t = NewKafka(&cfg.Kafka, l)
	case config.TransportNATS:
		t = NewNATS(&cfg.NATS, l)
	case config.TransportRabbitMQ:
		t = NewRabbitMQ(cfg.RabbitMQ.URL, l)
	case config.TransportNSQ:
		t = NewNSQ(&cfg.NSQ, l)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}

	l.Info("transport created", zap.String("type", t.Name()), zap.String("instanceId", opts.InstanceID))
	return t, nil
}
