package transport

import (
	"context"
	"sync"
)

// Shared 引用计数的传输句柄
//
// 发布者、订阅者、命令总线和消费者共用一条连接：每个组件 Start 时 Open，
// Stop 时 Close，最后一个 Close 才真正关闭底层传输。
type Shared struct {
	Transport
	mu   sync.Mutex
	refs int
}

func NewShared(t Transport) *Shared {
	if s, ok := t.(*Shared); ok {
		return s
	}
	return &Shared{Transport: t}
}

func (s *Shared) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		if err := s.Transport.Open(ctx); err != nil {
			return err
		}
	}
	s.refs++
	return nil
}

func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs == 0 {
		return s.Transport.Close()
	}
	return nil
}

// Refs 当前打开的引用数
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
