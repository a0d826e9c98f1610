package modulebridge

import "sync"

// slot 单槽寄存器：Set 覆盖旧值，Take 取出并清空
type slot[T any] struct {
	mu  sync.Mutex
	v   T
	set bool
}

func (s *slot[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	s.set = true
}

func (s *slot[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, s.set
}

func (s *slot[T]) Take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.v, s.set
	var zero T
	s.v = zero
	s.set = false
	return v, ok
}

func (s *slot[T]) Clear() {
	s.Take()
}
