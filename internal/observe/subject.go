// Package observe provides a minimal observer registration mechanism.
package observe

import "sync"

// Subject delivers each published value to every subscriber registered at
// publish time, exactly once. Callbacks run on the publishing goroutine and
// outside the registry lock, so a callback may unsubscribe itself.
type Subject[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: map[uint64]func(T){}}
}

// Subscribe registers fn and returns a handle that removes it. The handle is
// safe to call more than once.
func (s *Subject[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Subject[T]) Publish(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
