package events

import (
	"sort"
	"sync"
)

// Signal calls registered handlers synchronously, in registration order, on the
// goroutine that raises it. Used where a listener must finish its work before
// the raiser carries on, e.g. tearing a session down on disconnect.
type Signal[T any] struct {
	mu       sync.RWMutex
	handlers map[uint64]func(T)
	nextID   uint64
}

func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{handlers: make(map[uint64]func(T))}
}

// Connect registers handler and returns a function that removes it
func (s *Signal[T]) Connect(handler func(T)) func() {
	if handler == nil {
		panic("Signal: handler cannot be nil")
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Raise calls every handler with value. Handlers run outside the lock so they
// may connect or disconnect other handlers.
func (s *Signal[T]) Raise(value T) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(value)
	}
}

func (s *Signal[T]) HandlerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}
