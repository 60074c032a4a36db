package scanner

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultStreamBuffer is the number of undelivered events a stream holds
// before new events are dropped.
const DefaultStreamBuffer = 64

// Stream is a lazy, non-restartable sequence of events produced by a running
// scan, inventory or discovery. It ends when the consumer closes it, the
// operation is stopped, or the session tears the backend down. Once ended,
// Events is closed and Err reports why (nil for a normal stop).
type Stream[T any] struct {
	id       string
	events   chan T
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	err      error
	dropped  atomic.Uint64
	onCancel func()
}

func newStream[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream[T]{
		id:     uuid.NewString(),
		events: make(chan T, buffer),
		done:   make(chan struct{}),
	}
}

// ID identifies the stream in logs and on the wire.
func (s *Stream[T]) ID() string {
	return s.id
}

// Events returns the delivery channel. It is closed when the stream ends.
func (s *Stream[T]) Events() <-chan T {
	return s.events
}

// Done is closed when the stream ends.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the stream ended, if it ended abnormally.
func (s *Stream[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Dropped returns how many events were discarded because the consumer fell behind.
func (s *Stream[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Closed reports whether the stream has ended.
func (s *Stream[T]) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close ends the stream from the consumer side and asks the session to stop
// the operation feeding it. Calling Close more than once is a no-op.
func (s *Stream[T]) Close() {
	if !s.finish(nil) {
		return
	}
	if s.onCancel != nil {
		go s.onCancel()
	}
}

// send delivers v without blocking. It returns false if the stream has
// ended or the buffer is full.
func (s *Stream[T]) send(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- v:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// finish ends the stream and records err. It returns true only for the call
// that actually ended it.
func (s *Stream[T]) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.events)
	close(s.done)
	return true
}
