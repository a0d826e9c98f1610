package modulebridge

import "sync"

// AnyOrigin 不限制来源
const AnyOrigin = "*"

// Peer 对端句柄：向其投递一条消息，targetOrigin 限制接收方来源
// 单向投递，不保证送达
type Peer interface {
	PostMessage(data []byte, targetOrigin string) error
}

// Inbound 入站消息：原始数据及发送方来源
type Inbound struct {
	Data   []byte
	Origin string
}

// Inbox 进程级入站订阅，订阅者会收到投递到当前上下文的所有消息，与发送方无关
type Inbox interface {
	Subscribe(handler func(Inbound)) (cancel func())
}

// subscribers 有序订阅者集合，供 Window 与 Conn 复用
type subscribers struct {
	mu   sync.RWMutex
	next uint64
	ids  []uint64
	fns  map[uint64]func(Inbound)
}

func (s *subscribers) add(fn func(Inbound)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(Inbound))
	}
	s.next++
	id := s.next
	s.ids = append(s.ids, id)
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fns, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i:i], s.ids[i+1:]...)
			break
		}
	}
}

// snapshot 按订阅顺序返回当前订阅者
func (s *subscribers) snapshot() []func(Inbound) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]func(Inbound), 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.fns[id])
	}
	return out
}

func (s *subscribers) deliver(in Inbound) {
	for _, fn := range s.snapshot() {
		fn(in)
	}
}

func (s *subscribers) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
