package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

var (
	// ErrBusStopped 总线未启动或已停止；等待中的 SendAndWait 也以此结束
	ErrBusStopped = errors.New("command bus is stopped")
	// ErrHandlerNotFound 消费端找不到命令处理器
	ErrHandlerNotFound = errors.New("command handler not found")
	// ErrBusinessRule 处理器拒绝了命令
	ErrBusinessRule = errors.New("command rejected by handler")
)

// UnroutableCommandError 发送时找不到处理器，命令没有入队
type UnroutableCommandError struct {
	CommandID string
	Type      string
}

func (e *UnroutableCommandError) Error() string {
	return fmt.Sprintf("command %s of type %q has no registered handler, not sent", e.CommandID, e.Type)
}

// HandlerNotFoundError 消费端解析处理器失败，终态失败，不会重试
type HandlerNotFoundError struct {
	CommandID string
	Type      string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler for command %s of type %q", e.CommandID, e.Type)
}

func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// TimeoutError SendAndWait 在超时前没有收到回复，命令可能仍会被处理
type TimeoutError struct {
	CommandID     string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply for command %s within %s", e.CommandID, e.Timeout)
}

// RetryExhaustedError 并发冲突重试达到上限，Err 为最后一次冲突
type RetryExhaustedError struct {
	CommandID string
	Attempts  int
	Err       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("command %s gave up after %d attempt(s): %v", e.CommandID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// CommandFailedError 失败回复在发送方还原的错误
type CommandFailedError struct {
	CommandID string
	Kind      string
	Message   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %s failed (%s): %s", e.CommandID, e.Kind, e.Message)
}

func (e *CommandFailedError) Is(target error) bool {
	switch e.Kind {
	case message.KindHandlerNotFound:
		return target == ErrHandlerNotFound
	case message.KindConcurrencyConflict:
		return target == domain.ErrConcurrencyConflict
	case message.KindBusiness:
		return target == ErrBusinessRule
	}
	return false
}

// errorKind 回复中使用的错误类别
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrHandlerNotFound):
		return message.KindHandlerNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return message.KindConcurrencyConflict
	default:
		return message.KindBusiness
	}
}

// failedFromReply 失败回复转换为错误，成功回复返回 nil
func failedFromReply(r *message.Reply) error {
	if r.Success {
		return nil
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = message.KindBusiness
	}
	return &CommandFailedError{CommandID: r.CommandID, Kind: kind, Message: r.Error}
}
