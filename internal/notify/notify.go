// Package notify is a small observer set. Every subscription hands back an
// unsubscribe func; nothing is collected implicitly.
package notify

import "sync"

type Set[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

// Subscribe registers fn and returns its unsubscribe func. Calling the
// returned func more than once is a no-op.
func (s *Set[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[uint64]func(T))
	}
	id := s.next
	s.next++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Emit calls every subscriber synchronously. A panicking subscriber does not
// stop delivery to the others; recovered values are passed to onPanic when set.
func (s *Set[T]) Emit(v T, onPanic func(any)) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(r)
				}
			}()
			fn(v)
		}()
	}
}

func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Clear drops every subscriber.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}
