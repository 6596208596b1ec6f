// Package audio defines the capture capability and the audio primitives shared
// by the voice activity detector, the persistent recorder and the relay clients.
//
// The two primary abstractions are:
//
//   - [Capture]: asks the platform for microphone access and returns a [Stream].
//   - [Stream]: a live, read-only sequence of [Frame] values from one microphone.
//
// Platform adapters (e.g., audio/portaudio) implement [Capture]. The core
// packages never touch a concrete audio API; they only see these interfaces.
//
// This package lives under pkg/ because external code is expected to supply
// its own [Capture] implementation for platforms not shipped here.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Capture.Open] when the user or the
	// operating system refused microphone access. Callers should surface this
	// distinctly from generic failures: the fix is granting permission, not retrying.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrUnavailable is returned when no audio capture backend is present.
	ErrUnavailable = errors.New("audio: capture unavailable")

	// ErrNoAudioTrack is returned when a stream carries no audio.
	ErrNoAudioTrack = errors.New("audio: stream has no audio track")
)

// Constraints describes the capture parameters requested from the platform.
// Platforms that cannot honour the processing flags ignore them.
type Constraints struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// Channels: 1 for mono. Default: 1.
	Channels int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns mono 16 kHz capture with all processing enabled.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       16000,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Normalize returns c with zero-valued numeric fields replaced by defaults.
func (c Constraints) Normalize() Constraints {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Capture is the platform capability that grants access to a microphone.
//
// Open may block on a user-consent step; it must honour ctx cancellation.
// A refusal is reported as an error wrapping [ErrPermissionDenied].
//
// Implementations must be safe for concurrent use.
type Capture interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live microphone stream.
//
// Frames delivers captured audio until the stream is closed or the device
// fails, after which the channel is closed. Err reports the failure that
// closed the channel, or nil after a regular [Stream.Close].
//
// Close releases the device. It is idempotent.
type Stream interface {
	Frames() <-chan Frame
	Err() error
	Close() error
}
