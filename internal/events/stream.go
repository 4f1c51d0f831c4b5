package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrStreamClosed    = errors.New("stream closed")
	ErrAlreadyConsumed = errors.New("stream already has a consumer")
)

// DefaultStreamBuffer is the queue depth between a producer and the consumer
const DefaultStreamBuffer = 64

// Stream is an ordered, single-consumer, cancellable sequence of values.
// Once closed it delivers nothing more and cannot be reopened.
type Stream[T any] struct {
	ch       chan T
	done     chan struct{}
	once     sync.Once
	onClose  func()
	consumed atomic.Bool
}

// NewStream creates a stream with the given buffer. onClose, if non-nil, runs
// once when the stream is closed.
func NewStream[T any](buffer int, onClose func()) *Stream[T] {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream[T]{
		ch:      make(chan T, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Push queues value, blocking while the buffer is full.
// Returns false if the stream is closed.
func (s *Stream[T]) Push(value T) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- value:
		return true
	case <-s.done:
		return false
	}
}

// Next returns the next value in arrival order
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-s.done:
		return zero, ErrStreamClosed
	default:
	}
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		return zero, ErrStreamClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Range hands each value to fn until the stream closes or ctx ends.
// fn completes before the next value is taken. Only one Range may run per stream.
func (s *Stream[T]) Range(ctx context.Context, fn func(T)) error {
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrAlreadyConsumed
	}
	for {
		v, err := s.Next(ctx)
		if err != nil {
			return err
		}
		fn(v)
	}
}

// Close stops the stream. Safe to call more than once.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Done is closed when the stream is closed
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}
