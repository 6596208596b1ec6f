//go:build !portaudio

// Package portaudio implements [audio.Capture] on top of the PortAudio
// library. This build was compiled without the portaudio tag, so [Capture]
// always reports [audio.ErrUnavailable].
package portaudio

import (
	"context"
	"fmt"

	"github.com/MrWong99/sprechstunde/pkg/audio"
)

// Capture stub when portaudio is not available.
type Capture struct{}

// Option configures a [Capture].
type Option func(*Capture)

// WithFramesPerBuffer is accepted for API parity and ignored.
func WithFramesPerBuffer(int) Option { return func(*Capture) {} }

// New returns the stub capture.
func New(...Option) *Capture { return &Capture{} }

var _ audio.Capture = (*Capture)(nil)

// Open implements [audio.Capture].
func (*Capture) Open(context.Context, audio.Constraints) (audio.Stream, error) {
	return nil, fmt.Errorf("portaudio: rebuild with -tags portaudio: %w", audio.ErrUnavailable)
}
