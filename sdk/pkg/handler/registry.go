package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// ErrDuplicateCommandHandler 同一命令类型只能有一个处理器
var ErrDuplicateCommandHandler = errors.New("command handler already registered")

// Registry 显式注册表，启动时构建，作为 Provider 交给命令总线、消费者和订阅者
type Registry struct {
	mu       sync.RWMutex
	commands map[string]CommandHandler
	events   map[string][]EventHandler
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]CommandHandler),
		events:   make(map[string][]EventHandler),
	}
}

// RegisterCommand 注册命令处理器，重复注册返回 ErrDuplicateCommandHandler
func (r *Registry) RegisterCommand(commandType string, h CommandHandler) error {
	if commandType == "" || h == nil {
		return errors.New("command type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[commandType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommandHandler, commandType)
	}
	r.commands[commandType] = h
	return nil
}

// MustRegisterCommand 注册失败时 panic，用于启动代码
func (r *Registry) MustRegisterCommand(commandType string, h CommandHandler) *Registry {
	if err := r.RegisterCommand(commandType, h); err != nil {
		panic(err)
	}
	return r
}

// RegisterEvent 注册事件处理器，同一事件类型的多个处理器按注册顺序依次执行
func (r *Registry) RegisterEvent(eventType string, h EventHandler) *Registry {
	if eventType == "" || h == nil {
		panic("event type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[eventType] = append(r.events[eventType], h)
	return r
}

func (r *Registry) ResolveCommandHandler(commandType string) (CommandHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.commands[commandType]
	return h, ok
}

func (r *Registry) ResolveEventHandler(eventType string) (EventHandler, bool) {
	r.mu.RLock()
	handlers := r.events[eventType]
	r.mu.RUnlock()

	switch len(handlers) {
	case 0:
		return nil, false
	case 1:
		return handlers[0], true
	default:
		return chain(append([]EventHandler(nil), handlers...)), true
	}
}

// CommandTypes 已注册的命令类型，按名称排序
func (r *Registry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for t := range r.commands {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// chain 依次执行，遇到第一个错误即停止；订阅者重投时整条链重新执行
type chain []EventHandler

func (c chain) Handle(ctx context.Context, evt *message.DomainEvent) error {
	for i, h := range c {
		if err := h.Handle(ctx, evt); err != nil {
			return fmt.Errorf("event handler %d of %d for %s: %w", i+1, len(c), evt.Type, err)
		}
	}
	return nil
}
