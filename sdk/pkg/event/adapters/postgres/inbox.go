// Package postgres records processed events in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS cqrs_inbox (
	subscriber_id TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	processed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (subscriber_id, event_id)
)`

// DB *pgxpool.Pool 和 *pgx.Conn 都满足
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Inbox 已处理事件表，主键冲突即重复
type Inbox struct {
	db DB
}

func NewInbox(db DB) *Inbox {
	return &Inbox{db: db}
}

// Connect 按配置创建连接池并检查连通性
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema 创建 cqrs_inbox 表
func (i *Inbox) EnsureSchema(ctx context.Context) error {
	_, err := i.db.Exec(ctx, schema)
	return err
}

func (i *Inbox) Seen(ctx context.Context, subscriberID, eventID string) (bool, error) {
	var exists bool
	err := i.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cqrs_inbox WHERE subscriber_id = $1 AND event_id = $2)`,
		subscriberID, eventID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Mark 重复标记不是错误
func (i *Inbox) Mark(ctx context.Context, subscriberID, eventID string) error {
	_, err := i.db.Exec(ctx,
		`INSERT INTO cqrs_inbox (subscriber_id, event_id) VALUES ($1, $2)`,
		subscriberID, eventID)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil
	}
	return err
}
