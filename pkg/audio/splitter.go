package audio

import (
	"errors"
	"sync"
)

// ErrSplitterClosed is returned by [Splitter.Tap] after the source ended.
var ErrSplitterClosed = errors.New("audio: splitter closed")

// Splitter fans one source [Stream] out to any number of tap streams, so a
// level analyser and an encoder can read the same microphone.
//
// Delivery to a tap never blocks the source: when a tap's buffer is full the
// frame is dropped for that tap only. When the source ends, every tap's
// channel is closed and reports the source error.
type Splitter struct {
	src Stream

	mu     sync.Mutex
	taps   map[*tap]struct{}
	ended  bool
	endErr error

	done chan struct{}
	once sync.Once
}

// NewSplitter starts forwarding frames from src. The splitter owns src and
// closes it on [Splitter.Close].
func NewSplitter(src Stream) *Splitter {
	s := &Splitter{
		src:  src,
		taps: make(map[*tap]struct{}),
		done: make(chan struct{}),
	}
	go s.forward()
	return s
}

// Tap registers a new consumer with the given channel buffer. Closing the
// returned stream detaches it without affecting the source or other taps.
func (s *Splitter) Tap(buffer int) (Stream, error) {
	if buffer <= 0 {
		buffer = 32
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, ErrSplitterClosed
	}
	t := &tap{parent: s, ch: make(chan Frame, buffer)}
	s.taps[t] = struct{}{}
	return t, nil
}

// Close closes the source stream and waits for the forwarder to exit.
func (s *Splitter) Close() error {
	var err error
	s.once.Do(func() {
		err = s.src.Close()
	})
	<-s.done
	return err
}

func (s *Splitter) forward() {
	defer close(s.done)
	for f := range s.src.Frames() {
		s.mu.Lock()
		for t := range s.taps {
			select {
			case t.ch <- f:
			default:
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.ended = true
	s.endErr = s.src.Err()
	for t := range s.taps {
		close(t.ch)
		delete(s.taps, t)
	}
	s.mu.Unlock()
}

func (s *Splitter) detach(t *tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[t]; ok {
		delete(s.taps, t)
		close(t.ch)
	}
}

func (s *Splitter) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// tap is one consumer of a [Splitter].
type tap struct {
	parent *Splitter
	ch     chan Frame
	once   sync.Once
}

var _ Stream = (*tap)(nil)

func (t *tap) Frames() <-chan Frame { return t.ch }

func (t *tap) Err() error { return t.parent.err() }

func (t *tap) Close() error {
	t.once.Do(func() { t.parent.detach(t) })
	return nil
}
