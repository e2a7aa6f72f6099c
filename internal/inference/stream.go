package inference

import (
	"context"
	"strings"
	"sync"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Stream is a single-use iterator over a streamed completion.
//
//	defer s.Close()
//	for s.Next() {
//		write(s.Chunk().Text)
//	}
//	if err := s.Err(); err != nil { ... }
//
// When Next first returns false because the upstream ended, the dispatch is
// finalized exactly once: completed on a clean end, failed on an upstream
// error. Close before that point cancels the upstream and skips
// finalization, so the log stays incomplete.
type Stream struct {
	logID  string
	up     *providers.Stream
	cancel context.CancelFunc
	finish func(text, reasoning string, usage providers.Usage, upErr error) error

	text      strings.Builder
	reasoning strings.Builder
	cur       providers.Chunk
	result    *Response
	err       error

	mu       sync.Mutex
	ended    bool
	closed   bool
	stopOnce sync.Once
}

// LogID is the id of the log row recording this stream.
func (s *Stream) LogID() string { return s.logID }

// Next advances to the next chunk.
func (s *Stream) Next() bool {
	s.mu.Lock()
	if s.ended || s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if s.up.Next() {
		c := s.up.Chunk()
		s.text.WriteString(c.Text)
		s.reasoning.WriteString(c.Reasoning)
		s.cur = c
		return true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.mu.Unlock()

	s.err = s.finish(s.text.String(), s.reasoning.String(), s.up.Usage(), s.up.Err())
	s.stop()
	return false
}

// Chunk returns the chunk read by the last successful Next.
func (s *Stream) Chunk() providers.Chunk { return s.cur }

// Text returns the text of the current chunk.
func (s *Stream) Text() string { return s.cur.Text }

// Err reports the upstream or log completion failure that ended the stream.
func (s *Stream) Err() error { return s.err }

// Result is the completed response once the stream ended cleanly.
func (s *Stream) Result() *Response { return s.result }

// Close cancels the upstream. Closing before the end suppresses completion.
// Safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.ended {
		s.closed = true
	}
	s.mu.Unlock()
	s.stop()
}

func (s *Stream) stop() {
	s.stopOnce.Do(func() {
		s.up.Close()
		s.cancel()
	})
}
