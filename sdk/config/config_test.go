package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoadDefaults 测试最小配置文件补齐默认值
func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
application:
  name: product-service
`)
	cfg := &Config{}
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, "product-service", cfg.Application.Name)
	assert.NotEmpty(t, cfg.Application.InstanceID)
	assert.Equal(t, TransportMemory, cfg.Messaging.Transport.Type)
	assert.Equal(t, "commands", cfg.Messaging.Commands.Queue)
	assert.Equal(t, 3, cfg.Messaging.Commands.Partitions)
	assert.Equal(t, "replies", cfg.Messaging.Commands.ReplyTopic)
	assert.Equal(t, 50, cfg.Messaging.Commands.MaxDispatchAttempts)
	assert.Equal(t, []string{"events"}, cfg.Messaging.Events.Topics)
	assert.Equal(t, 30*time.Second, cfg.Messaging.ShutdownTimeout)
	assert.Equal(t, 5, cfg.Messaging.Transport.Retry.MaxAttempts)
	assert.Equal(t, "product-service", cfg.Tracing.ServiceName)
}

// TestLoadMessaging 测试完整的消息配置段
func TestLoadMessaging(t *testing.T) {
	path := writeConfig(t, `
messaging:
  shutdownTimeout: 5s
  transport:
    type: redis
    retry:
      maxAttempts: 3
  commands:
    queue: commandqueue
    partitions: 4
    replyTopic: replyTopic
    maxDispatchAttempts: 10
  events:
    topics: [eventTopic]
    subscribers:
      - id: eventSubscriber1
      - id: audit
        startFrom: latest
redis:
  addr: 127.0.0.1:6379
`)
	cfg := &Config{}
	require.NoError(t, Load(path, cfg))

	m := cfg.Messaging
	assert.Equal(t, TransportRedis, m.Transport.Type)
	assert.Equal(t, 3, m.Transport.Retry.MaxAttempts)
	assert.Equal(t, 4, m.Commands.Partitions)
	assert.Equal(t, 10, m.Commands.MaxDispatchAttempts)
	assert.Equal(t, 5*time.Second, m.ShutdownTimeout)
	require.Len(t, m.Events.Subscribers, 2)
	assert.Equal(t, "eventTopic", m.Events.Subscribers[0].Topic)
	assert.Equal(t, StartEarliest, m.Events.Subscribers[0].StartFrom)
	assert.Equal(t, StartLatest, m.Events.Subscribers[1].StartFrom)
}

func TestMessagingValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Messaging)
		wantErr string
	}{
		{"valid", func(m *Messaging) {}, ""},
		{"unknown transport", func(m *Messaging) { m.Transport.Type = "zeromq" }, "unsupported transport type"},
		{"kafka without brokers", func(m *Messaging) { m.Transport.Type = TransportKafka }, "kafka brokers"},
		{"nats without urls", func(m *Messaging) { m.Transport.Type = TransportNATS }, "nats urls"},
		{"nsq without nsqd", func(m *Messaging) { m.Transport.Type = TransportNSQ }, "nsqd address"},
		{"rabbitmq without url", func(m *Messaging) { m.Transport.Type = TransportRabbitMQ }, "rabbitmq url"},
		{"negative partitions", func(m *Messaging) { m.Commands.Partitions = -1 }, "partitions must be positive"},
		{"zero attempts", func(m *Messaging) { m.Commands.MaxDispatchAttempts = -2 }, "max dispatch attempts"},
		{"bad store", func(m *Messaging) { m.Events.Store = "etcd" }, "unsupported subscription store"},
		{"durable store on memory transport", func(m *Messaging) { m.Events.Store = "redis" }, "needs a durable transport"},
		{"durable store on redis transport", func(m *Messaging) {
			m.Transport.Type = TransportRedis
			m.Events.Store = "gorm"
		}, ""},
		{"bad inbox", func(m *Messaging) { m.Events.Inbox = "mongo" }, "unsupported inbox"},
		{"duplicate subscriber", func(m *Messaging) {
			m.Events.Subscribers = []SubscriberConfig{
				{ID: "a", Topic: "events", StartFrom: StartEarliest},
				{ID: "a", Topic: "events", StartFrom: StartEarliest},
			}
		}, "duplicate subscriber"},
		{"bad start position", func(m *Messaging) {
			m.Events.Subscribers = []SubscriberConfig{{ID: "a", Topic: "events", StartFrom: "middle"}}
		}, "unsupported startFrom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Messaging{}
			m.SetDefaults()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateRedisRequirements(t *testing.T) {
	cfg := &Config{Messaging: &Messaging{Transport: TransportConfig{Type: TransportRedis}}}
	cfg.SetDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestDatabaseValidate(t *testing.T) {
	assert.NoError(t, (&Database{}).Validate())
	assert.False(t, (&Database{}).Enabled())
	assert.Error(t, (&Database{Driver: "mysql"}).Validate())
	assert.Error(t, (&Database{Driver: "oracle", Source: "x"}).Validate())
	assert.NoError(t, (&Database{Driver: "sqlite", Source: "file.db"}).Validate())
}
