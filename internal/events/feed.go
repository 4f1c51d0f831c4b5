package events

import (
	"sync"
)

// Feed fans values out to any number of listener channels.
// Sends never block: a listener whose channel is full misses that value.
type Feed[T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]chan<- T
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

// NewFeed creates a Feed. With replay set, a new listener is immediately sent
// the most recent value if one has been published.
func NewFeed[T any](replay bool) *Feed[T] {
	return &Feed[T]{
		listeners: make(map[uint64]chan<- T),
		replay:    replay,
	}
}

// Listen registers ch and returns a function that removes it
func (f *Feed[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("Feed: channel cannot be nil")
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = ch
	last, send := f.last, f.replay && f.hasLast
	f.mu.Unlock()

	if send {
		select {
		case ch <- last:
		default:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

// Publish sends value to every listener
func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	f.last = value
	f.hasLast = true
	targets := make([]chan<- T, 0, len(f.listeners))
	for _, ch := range f.listeners {
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// Last returns the most recently published value
func (f *Feed[T]) Last() (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.hasLast
}

// ListenerCount returns the number of registered listeners
func (f *Feed[T]) ListenerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}
