// Package lifecycle starts and stops the messaging components of a process in
// a fixed order.
//
// Components are started in registration order and stopped in reverse, so a
// host registers the event publisher first, then subscribers, the command bus
// and finally the consumer pool. Stopping the pool first drains in-flight
// commands while their publisher is still running.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/logger"
)

// Status 组件运行状态
type Status int32

const (
	Stopped Status = iota
	Running
	Draining // 已停止接收新消息，正在等待处理中的消息完成
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Component 受协调器管理的组件
//
// Start 失败时组件自身不应留下运行中的协程；Stop 必须幂等。
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

var ErrAlreadyStarted = errors.New("lifecycle: components already started")

// StartError 启动失败，已启动的组件已按逆序停止
type StartError struct {
	Component string
	Err       error
	// Rollback 回滚停止时产生的错误，可能为空
	Rollback error
}

func (e *StartError) Error() string {
	if e.Rollback != nil {
		return fmt.Sprintf("start %s: %v (rollback: %v)", e.Component, e.Err, e.Rollback)
	}
	return fmt.Sprintf("start %s: %v", e.Component, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// FatalError 组件运行中无法恢复的错误，通常是传输重试耗尽
type FatalError struct {
	Component string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Coordinator 生命周期协调器
type Coordinator struct {
	mu              sync.Mutex
	components      []Component
	started         []Component
	running         bool
	shutdownTimeout time.Duration
	logger          *zap.Logger

	fatal     chan error
	fatalOnce sync.Once
}

func NewCoordinator(shutdownTimeout time.Duration, l *zap.Logger) *Coordinator {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Coordinator{
		shutdownTimeout: shutdownTimeout,
		logger:          logger.OrDefault(l).Named("lifecycle"),
		fatal:           make(chan error, 1),
	}
}

// Register 按启动顺序登记组件，只能在 StartAll 之前调用
func (c *Coordinator) Register(components ...Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, components...)
}

// Components 已登记的组件，按启动顺序
func (c *Coordinator) Components() []Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Component(nil), c.components...)
}

// StartAll 按登记顺序启动；任一失败时逆序停止已启动的组件并返回 *StartError
func (c *Coordinator) StartAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}

	c.started = c.started[:0]
	for _, comp := range c.components {
		begin := time.Now()
		if err := comp.Start(ctx); err != nil {
			c.logger.Error("component failed to start",
				zap.String("component", comp.Name()), zap.Error(err))
			rollback := c.stopStarted(context.Background())
			return &StartError{Component: comp.Name(), Err: err, Rollback: rollback}
		}
		c.started = append(c.started, comp)
		c.logger.Info("component started",
			zap.String("component", comp.Name()), zap.Duration("took", time.Since(begin)))
	}
	c.running = true
	return nil
}

// StopAll 逆序停止全部已启动组件
//
// 所有组件共享一个总超时，每个组件拿到的是剩余的时间；某个组件失败后继续停止其余组件，
// 返回全部错误的合并。重复调用返回 nil。
func (c *Coordinator) StopAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	return c.stopStarted(ctx)
}

func (c *Coordinator) stopStarted(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	defer cancel()

	var errs error
	for i := len(c.started) - 1; i >= 0; i-- {
		comp := c.started[i]
		begin := time.Now()
		if err := comp.Stop(ctx); err != nil {
			c.logger.Error("component failed to stop",
				zap.String("component", comp.Name()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", comp.Name(), err))
			continue
		}
		c.logger.Info("component stopped",
			zap.String("component", comp.Name()), zap.Duration("took", time.Since(begin)))
	}
	c.started = c.started[:0]
	return errs
}

// Running 是否已经成功 StartAll 且尚未 StopAll
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ReportFatal 组件上报无法恢复的错误；只保留第一个，宿主从 Fatal() 读取后决定是否退出
func (c *Coordinator) ReportFatal(component string, err error) {
	if err == nil {
		return
	}
	c.logger.Error("component reported a fatal error", zap.String("component", component), zap.Error(err))
	c.fatalOnce.Do(func() {
		c.fatal <- &FatalError{Component: component, Err: err}
	})
}

// Fatal 第一个致命错误
func (c *Coordinator) Fatal() <-chan error {
	return c.fatal
}
