package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
)

// TransportError 传输边界的失败；重试耗尽后由组件上报给生命周期协调器
type TransportError struct {
	Transport string
	Op        string
	Attempts  int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Transport, e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetryPolicy 指数退避重试策略
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Notify 每次失败后、等待前调用，可为空
	Notify func(op string, attempt int, err error, next time.Duration)
}

// DefaultRetryPolicy 5 次，100ms 起步，最长 2s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// PolicyFrom 从配置构建策略
func PolicyFrom(cfg config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	return p
}

// Permanent 标记不应重试的错误
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrClosed)
}

// Retry 按策略执行 fn；ctx 结束和 ErrClosed 不重试
// 失败时返回 *TransportError，ctx 结束时直接返回 ctx 的错误
func Retry[T any](ctx context.Context, p RetryPolicy, transportName, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(p.MaxAttempts, 1))),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			p.Notify(op, attempts, err, next)
		}))
	}

	v, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return v, err
	}
	var te *TransportError
	if errors.As(err, &te) {
		return v, err
	}
	return v, &TransportError{Transport: transportName, Op: op, Attempts: attempts, Err: err}
}

// Do Retry 的无返回值版本
func Do(ctx context.Context, p RetryPolicy, transportName, op string, fn func() error) error {
	_, err := Retry(ctx, p, transportName, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
