// Package pipeline provides the bounded, pull-based streams that connect
// demuxer, decoder and extractor stages, and the fan-out stage that lets
// several consumers share one upstream cursor.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamCancelled is returned to a producer once the consumer has
// cancelled the stream.
var ErrStreamCancelled = errors.New("stream cancelled")

// ErrStreamClosed is returned by Send after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a single-producer, single-consumer queue bounded by a
// high-water mark. The producer blocks in Send while the queue is full, which
// is how backpressure reaches upstream stages. Close may race with a blocked
// Send from another goroutine; values already queued stay readable.
type Stream[T any] struct {
	ch       chan T
	done     chan struct{}
	closedCh chan struct{}
	mu       sync.Mutex
	err      error
	closeMu  sync.Once
	cancelMu sync.Once
	onCancel []func()
}

// NewStream creates a stream buffering at most highWaterMark values.
func NewStream[T any](highWaterMark int) *Stream[T] {
	if highWaterMark < 1 {
		highWaterMark = 1
	}
	return &Stream[T]{
		ch:       make(chan T, highWaterMark),
		done:     make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

// Send enqueues v, blocking while the stream is at its high-water mark.
func (s *Stream[T]) Send(ctx context.Context, v T) error {
	select {
	case <-s.done:
		return ErrStreamCancelled
	case <-s.closedCh:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return ErrStreamCancelled
	case <-s.closedCh:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the stream from the producer side. A nil err means
// normal end of stream; buffered values remain readable either way.
func (s *Stream[T]) Close(err error) {
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closedCh)
	})
}

// Recv returns the next value. At the end of the stream it returns io.EOF,
// or the error the producer closed the stream with.
func (s *Stream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-s.ch:
		return v, nil
	default:
	}
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.closedCh:
		select {
		case v := <-s.ch:
			return v, nil
		default:
			return zero, s.terminalErr()
		}
	case <-s.done:
		return zero, ErrStreamCancelled
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryRecv returns a buffered value without blocking. ok is false when
// nothing is queued; err is set once the stream has ended.
func (s *Stream[T]) TryRecv() (v T, ok bool, err error) {
	select {
	case v = <-s.ch:
		return v, true, nil
	default:
	}
	select {
	case <-s.closedCh:
		return v, false, s.terminalErr()
	default:
		return v, false, nil
	}
}

func (s *Stream[T]) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

// Cancel is called by the consumer when it no longer wants values. Pending
// and future Sends fail with ErrStreamCancelled and OnCancel hooks run once.
func (s *Stream[T]) Cancel() {
	s.cancelMu.Do(func() {
		close(s.done)
		s.mu.Lock()
		hooks := s.onCancel
		s.onCancel = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

// OnCancel registers fn to run when the consumer cancels.
func (s *Stream[T]) OnCancel(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = append(s.onCancel, fn)
}

// Cancelled is closed once the consumer has cancelled.
func (s *Stream[T]) Cancelled() <-chan struct{} {
	return s.done
}

// Closed reports whether the producer has terminated the stream.
func (s *Stream[T]) Closed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

// Len is the current queue depth.
func (s *Stream[T]) Len() int {
	return len(s.ch)
}

// Cap is the stream's high-water mark.
func (s *Stream[T]) Cap() int {
	return cap(s.ch)
}
