package audio

import (
	"time"
)

// Frame is one block of captured audio. Samples are normalized floats in
// [-1, 1], interleaved when Channels > 1.
type Frame struct {
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for speech backends).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports how much audio the frame carries.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// Segment is one finished utterance recording. The byte buffer is owned by
// the receiver once handed over; producers never touch it again.
type Segment struct {
	// Data holds the encoded audio (see Format).
	Data []byte

	// Format names the encoding of Data: "wav" or "pcm16".
	Format string

	SampleRate int
	Channels   int

	// Duration is the wall-clock length of the recording.
	Duration time.Duration

	// CreatedAt is when the segment was finalized.
	CreatedAt time.Time
}

// Encoding formats supported by [Segment].
const (
	FormatWAV   = "wav"
	FormatPCM16 = "pcm16"
)

// MIMEType returns the media type for the segment's encoding.
func (s Segment) MIMEType() string {
	switch s.Format {
	case FormatWAV:
		return "audio/wav"
	default:
		return "audio/L16"
	}
}
