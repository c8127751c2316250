package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/config"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/command"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/event"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/lifecycle"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/transport"
)

type Runtime interface {
	// SubmitCommand 校验后入队，不等待处理结果
	SubmitCommand(ctx context.Context, cmd *message.Command) error
	// SubmitCommandAndWait 入队并等待回复，timeout <= 0 时使用配置的回复超时
	SubmitCommandAndWait(ctx context.Context, cmd *message.Command, timeout time.Duration) (*message.Reply, error)

	// StartAll 按 发布者→订阅者→总线→消费者 的顺序启动
	StartAll(ctx context.Context) error
	// StopAll 逆序停止，等待进行中的命令和事件处理完成
	StopAll(ctx context.Context) error
	// Run 启动后阻塞，直到 ctx 结束或组件上报致命错误，然后停止
	Run(ctx context.Context) error
	Fatal() <-chan error
	Status() Status

	GetConfig() *config.Config
	GetLogger() *zap.Logger
	GetRepository() domain.Repository
	GetTransport() transport.Transport
	GetBus() *command.Bus
	GetDispatcher() *command.Dispatcher
	GetPublisher() *event.Publisher
	GetSubscribers() []*event.Subscriber
}

// Status 运行状态快照，可直接用于健康检查
type Status struct {
	InstanceID  string                  `json:"instanceId"`
	Running     bool                    `json:"running"`
	Transport   string                  `json:"transport"`
	Bus         lifecycle.Status        `json:"bus"`
	Publisher   lifecycle.Status        `json:"publisher"`
	Consumers   []command.ConsumerState `json:"consumers"`
	Subscribers []event.SubscriberState `json:"subscribers"`
	// PendingReplies 正在等待回复的 SubmitCommandAndWait 调用数
	PendingReplies int `json:"pendingReplies"`
}

// Healthy 所有组件都在运行
func (s Status) Healthy() bool {
	if !s.Running || s.Bus != lifecycle.Running || s.Publisher != lifecycle.Running {
		return false
	}
	for _, c := range s.Consumers {
		if c.Status != lifecycle.Running {
			return false
		}
	}
	for _, sub := range s.Subscribers {
		if sub.Status != lifecycle.Running {
			return false
		}
	}
	return true
}
