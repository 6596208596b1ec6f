// Package mock provides in-memory mock implementations of the [audio.Capture]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	capture := &mock.Capture{OpenResult: stream}
//	s, err := capture.Open(ctx, audio.DefaultConstraints())
//	stream.Push(audio.Frame{Samples: []float32{0.1, -0.1}, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sprechstunde/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Frames are injected with
// [Stream.Push]; [Stream.Fail] simulates a device error.
type Stream struct {
	mu     sync.Mutex
	ch     chan audio.Frame
	err    error
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open stream with the given channel buffer.
func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan audio.Frame, buffer)}
}

var _ audio.Stream = (*Stream)(nil)

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.Frame { return s.ch }

// Err implements [audio.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Stream]. The channel is closed on the first call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Push delivers f to the consumer. It reports false when the stream is
// closed or the buffer is full.
func (s *Stream) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// Fail ends the stream with err, as a device fault would.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.ch)
}

// Closed reports whether the stream channel has been closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil and OpenError is nil, Open
	// returns a fresh [Stream] with a buffer of 64.
	OpenResult audio.Stream

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls records the constraints of every Open invocation.
	OpenCalls []audio.Constraints

	// Opened holds every stream handed out, in order.
	Opened []audio.Stream
}

var _ audio.Capture = (*Capture)(nil)

// Open implements [audio.Capture].
func (c *Capture) Open(_ context.Context, cons audio.Constraints) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, cons)
	if c.OpenError != nil {
		return nil, c.OpenError
	}
	s := c.OpenResult
	if s == nil {
		s = NewStream(64)
	}
	c.Opened = append(c.Opened, s)
	return s, nil
}

// CallCountOpen returns how many times Open was called.
func (c *Capture) CallCountOpen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.OpenCalls)
}

// Last returns the most recently opened stream, or nil.
func (c *Capture) Last() audio.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Opened) == 0 {
		return nil
	}
	return c.Opened[len(c.Opened)-1]
}
