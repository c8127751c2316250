// Package lease gives a process exclusive ownership of a command partition.
//
// Several processes may host a consumer pool for the same queue. A consumer
// acquires the partition's lease before dequeuing and stops when the lease is
// lost, so a partition is consumed by one process at a time.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// Lease 已持有的租约
type Lease interface {
	// Lost 租约续期失败时关闭
	Lost() <-chan struct{}
	// Release 释放租约并停止续期
	Release(ctx context.Context) error
}

// Leaser 获取租约，阻塞直到获得或 ctx 结束
type Leaser interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Noop 单进程部署使用，总能立即获得且永不丢失
type Noop struct{}

func (Noop) Acquire(ctx context.Context, key string) (Lease, error) {
	return noopLease{lost: make(chan struct{})}, nil
}

type noopLease struct {
	lost chan struct{}
}

func (l noopLease) Lost() <-chan struct{} { return l.lost }

func (l noopLease) Release(context.Context) error { return nil }

// Redis 基于 redislock 的租约
type Redis struct {
	locker *redislock.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, prefix string, l *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{
		locker: redislock.New(client),
		ttl:    ttl,
		prefix: prefix,
		logger: logger.OrDefault(l).Named("lease"),
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	full := r.prefix + key
	for {
		lock, err := r.locker.Obtain(ctx, full, r.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(r.ttl / 5),
		})
		if err == nil {
			r.logger.Info("lease acquired", zap.String("key", full), zap.Duration("ttl", r.ttl))
			return r.hold(lock, full), nil
		}
		if !errors.Is(err, redislock.ErrNotObtained) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
}

// hold 启动续期协程，每 ttl/3 续期一次
func (r *Redis) hold(lock *redislock.Lock, key string) *redisLease {
	l := &redisLease{
		lock: lock,
		lost: make(chan struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				err := lock.Refresh(ctx, r.ttl, nil)
				cancel()
				if err != nil {
					r.logger.Warn("lease lost", zap.String("key", key), zap.Error(err))
					l.markLost()
					return
				}
			}
		}
	}()
	return l
}

type redisLease struct {
	lock     *redislock.Lock
	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (l *redisLease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
