package providers

import (
	"context"
	"sync"
)

// Chunk is one increment of a streamed completion.
type Chunk struct {
	Text      string
	Reasoning string
}

// Emit hands a chunk to the consumer. It returns false once the stream has
// been closed and the producer should stop.
type Emit func(Chunk) bool

// Producer drives an upstream stream, calling emit for every chunk, and
// returns the final usage once the upstream ends.
type Producer func(ctx context.Context, emit Emit) (Usage, error)

// Stream is a pull iterator over a streamed completion. The producer runs in
// its own goroutine; Close cancels it and waits for it to exit.
//
//	for s.Next() {
//		use(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	ch     chan Chunk
	done   chan struct{}
	cancel context.CancelFunc

	cur   Chunk
	usage Usage
	err   error

	closeOnce sync.Once
}

// NewStream starts produce under a context derived from ctx.
func NewStream(ctx context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan Chunk, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer cancel()
		defer close(s.ch)
		emit := func(c Chunk) bool {
			select {
			case s.ch <- c:
				return true
			case <-ctx.Done():
				return false
			case <-s.done:
				return false
			}
		}
		s.usage, s.err = produce(ctx, emit)
	}()
	return s
}

// Next advances to the next chunk. It returns false at the end of the
// stream, on error, and after Close.
func (s *Stream) Next() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	c, ok := <-s.ch
	if !ok {
		return false
	}
	s.cur = c
	return true
}

// Chunk returns the chunk read by the last successful Next.
func (s *Stream) Chunk() Chunk { return s.cur }

// Usage is valid once Next has returned false without Close.
func (s *Stream) Usage() Usage { return s.usage }

// Err is valid once Next has returned false.
func (s *Stream) Err() error { return s.err }

// Close stops the producer and releases the upstream connection. It is safe
// to call more than once and after the stream has ended.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		for range s.ch {
		}
	})
}
