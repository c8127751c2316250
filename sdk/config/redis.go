package config

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 连接配置，Redis Streams 传输、分区租约、订阅进度和收件箱共用
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"poolSize"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

var RedisConfig = new(Redis)

func (r *Redis) SetDefaults() {
	if r.DialTimeout == 0 {
		r.DialTimeout = 5 * time.Second
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 3 * time.Second
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 3 * time.Second
	}
}

// Options 转换为 go-redis 连接参数
func (r *Redis) Options() *redis.Options {
	return &redis.Options{
		Addr:         r.Addr,
		Username:     r.Username,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	}
}

// NewClient 按配置创建客户端，调用方负责 Close
func (r *Redis) NewClient() *redis.Client {
	return redis.NewClient(r.Options())
}
