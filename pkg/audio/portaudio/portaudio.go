//go:build portaudio

// Package portaudio implements [audio.Capture] on top of the PortAudio
// library. Build with -tags portaudio; without the tag a stub reporting
// [audio.ErrUnavailable] is compiled instead.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/sprechstunde/pkg/audio"
)

// Capture opens the default input device.
type Capture struct {
	framesPerBuffer int
}

// Option configures a [Capture].
type Option func(*Capture)

// WithFramesPerBuffer sets the number of samples per channel read per block.
// Default: 1024.
func WithFramesPerBuffer(n int) Option {
	return func(c *Capture) {
		if n > 0 {
			c.framesPerBuffer = n
		}
	}
}

// New returns a PortAudio-backed capture.
func New(opts ...Option) *Capture {
	c := &Capture{framesPerBuffer: 1024}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ audio.Capture = (*Capture)(nil)

// Open implements [audio.Capture]. PortAudio has no processing switches, so
// the echo/noise/gain flags of cons are ignored.
func (c *Capture) Open(ctx context.Context, cons audio.Constraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cons = cons.Normalize()

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrUnavailable, err)
	}

	buf := make([]float32, c.framesPerBuffer*cons.Channels)
	st, err := portaudio.OpenDefaultStream(cons.Channels, 0, float64(cons.SampleRate), c.framesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open default stream: %w", classify(err))
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", classify(err))
	}

	s := &stream{
		pa:         st,
		buf:        buf,
		sampleRate: cons.SampleRate,
		channels:   cons.Channels,
		frames:     make(chan audio.Frame, 32),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.readLoop()

	slog.Info("microphone started", "sampleRate", cons.SampleRate, "channels", cons.Channels)
	return s, nil
}

// classify maps PortAudio failures onto the audio error kinds.
func classify(err error) error {
	if errors.Is(err, portaudio.InvalidDevice) || errors.Is(err, portaudio.DeviceUnavailable) {
		return fmt.Errorf("%w: %w", audio.ErrUnavailable, err)
	}
	return err
}

type stream struct {
	pa         *portaudio.Stream
	buf        []float32
	sampleRate int
	channels   int

	frames chan audio.Frame
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *stream) readLoop() {
	defer close(s.done)
	defer close(s.frames)

	start := time.Now()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.pa.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			s.mu.Lock()
			s.err = fmt.Errorf("portaudio: read: %w", err)
			s.mu.Unlock()
			return
		}
		samples := make([]float32, len(s.buf))
		copy(samples, s.buf)
		select {
		case s.frames <- audio.Frame{
			Samples:    samples,
			SampleRate: s.sampleRate,
			Channels:   s.channels,
			Timestamp:  time.Since(start),
		}:
		case <-s.stop:
			return
		}
	}
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err = errors.Join(s.pa.Stop(), s.pa.Close(), portaudio.Terminate())
		slog.Info("microphone stopped")
	})
	return err
}
