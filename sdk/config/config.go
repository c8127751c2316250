package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 顶层配置结构
type Config struct {
	Application *Application `mapstructure:"application"`
	Logger      *Logger      `mapstructure:"logger"`
	Messaging   *Messaging   `mapstructure:"messaging"`
	Database    *Database    `mapstructure:"database"`
	Redis       *Redis       `mapstructure:"redis"`
	Metrics     *Metrics     `mapstructure:"metrics"`
	Tracing     *Tracing     `mapstructure:"tracing"`
}

var AppConfig = &Config{
	Application: ApplicationConfig,
	Logger:      LoggerConfig,
	Messaging:   MessagingConfig,
	Database:    DatabaseConfig,
	Redis:       RedisConfig,
	Metrics:     MetricsConfig,
	Tracing:     TracingConfig,
}

// EnvPrefix 环境变量前缀，如 JXT_MESSAGING_TRANSPORT_TYPE 覆盖 messaging.transport.type
const EnvPrefix = "JXT"

// Setup 读取配置文件到 AppConfig，并补齐默认值后校验
func Setup(configYml string) error {
	if err := Load(configYml, AppConfig); err != nil {
		panic(fmt.Sprintf("加载配置文件失败: %v", err))
	}
	return nil
}

// Load 读取配置文件到指定的 Config，不修改全局配置
func Load(configYml string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(configYml)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 映射到 cfg
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.SetDefaults()
	return cfg.Validate()
}

// SetDefaults 为缺省的配置段补齐默认值
func (c *Config) SetDefaults() {
	if c.Application == nil {
		c.Application = new(Application)
	}
	if c.Logger == nil {
		c.Logger = new(Logger)
	}
	if c.Messaging == nil {
		c.Messaging = new(Messaging)
	}
	if c.Database == nil {
		c.Database = new(Database)
	}
	if c.Redis == nil {
		c.Redis = new(Redis)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
	if c.Tracing == nil {
		c.Tracing = new(Tracing)
	}

	c.Application.SetDefaults()
	c.Logger.SetDefaults()
	c.Messaging.SetDefaults()
	c.Redis.SetDefaults()
	c.Tracing.SetDefaults(c.Application.Name)
}

// Validate 校验各配置段
func (c *Config) Validate() error {
	if err := c.Messaging.Validate(); err != nil {
		return fmt.Errorf("messaging: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Messaging.Transport.Type == TransportRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required for the redis transport")
	}
	if c.Messaging.Lease.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required when partition leases are enabled")
	}
	return nil
}
