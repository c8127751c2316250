package config

import (
	"fmt"
	"time"
)

// Database 命令侧持久化配置
// Driver 为空时使用内存仓储；mysql/sqlite 走 gorm 仓储；Postgres 只给已处理事件收件箱使用
type Database struct {
	Driver          string         `mapstructure:"driver"` // mysql, sqlite
	Source          string         `mapstructure:"source"`
	ConnMaxIdleTime int            `mapstructure:"connMaxIdleTime"` // 秒
	ConnMaxLifeTime int            `mapstructure:"connMaxLifeTime"` // 秒
	MaxIdleConns    int            `mapstructure:"maxIdleConns"`
	MaxOpenConns    int            `mapstructure:"maxOpenConns"`
	AutoMigrate     bool           `mapstructure:"autoMigrate"`
	Postgres        PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig pgx 连接池配置
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"maxConns"`
}

var DatabaseConfig = new(Database)

// Enabled 是否配置了 gorm 仓储
func (d *Database) Enabled() bool {
	return d != nil && d.Driver != ""
}

func (d *Database) ConnMaxIdle() time.Duration {
	return time.Duration(d.ConnMaxIdleTime) * time.Second
}

func (d *Database) ConnMaxLife() time.Duration {
	return time.Duration(d.ConnMaxLifeTime) * time.Second
}

func (d *Database) Validate() error {
	switch d.Driver {
	case "":
		return nil
	case "mysql", "sqlite":
		if d.Source == "" {
			return fmt.Errorf("source is required for driver %s", d.Driver)
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver: %s", d.Driver)
	}
}
