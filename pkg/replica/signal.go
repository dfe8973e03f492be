package replica

import "sync"

// Signal is an append-only list of observers. Emit calls them synchronously
// in the order they connected.
type Signal[T any] struct {
	mu   sync.Mutex
	subs []func(T)
}

func (s *Signal[T]) Connect(fn func(T)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	subs := s.subs[:len(s.subs):len(s.subs)]
	s.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
