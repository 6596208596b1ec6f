package vad

import (
	"math"
	"sync"

	"github.com/MrWong99/sprechstunde/pkg/audio"
)

// Analyser decibel range, matching the browser AnalyserNode defaults so that
// thresholds tuned there carry over.
const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// LevelSource yields the current normalised level (0–100) of an audio
// signal. Level is called once per analysis tick and must not block.
type LevelSource interface {
	Level() float64
}

// Analyser is a [LevelSource] fed by an [audio.Stream]. It keeps the most
// recent window of mono samples and measures their RMS energy on demand.
type Analyser struct {
	stream audio.Stream

	mu        sync.Mutex
	window    []float32
	pos       int
	filled    bool
	smoothing float64
	smoothed  float64

	done chan struct{}
}

// NewAnalyser starts consuming stream. The analyser owns stream and closes it
// on [Analyser.Close].
func NewAnalyser(stream audio.Stream, windowSize int, smoothing float64) *Analyser {
	if windowSize <= 0 {
		windowSize = DefaultAnalysisWindowSize
	}
	a := &Analyser{
		stream:    stream,
		window:    make([]float32, windowSize),
		smoothing: smoothing,
		done:      make(chan struct{}),
	}
	go a.consume()
	return a
}

func (a *Analyser) consume() {
	defer close(a.done)
	for f := range a.stream.Frames() {
		a.Write(f)
	}
}

// Write appends a frame to the analysis window. Multi-channel frames are
// downmixed first.
func (a *Analyser) Write(f audio.Frame) {
	samples := audio.DownmixToMono(f.Samples, f.Channels)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.window[a.pos] = s
		a.pos++
		if a.pos == len(a.window) {
			a.pos = 0
			a.filled = true
		}
	}
}

// SetSmoothing changes the smoothing factor for subsequent measurements.
func (a *Analyser) SetSmoothing(s float64) {
	a.mu.Lock()
	a.smoothing = s
	a.mu.Unlock()
}

// Level implements [LevelSource].
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.window)
	if !a.filled {
		n = a.pos
	}
	current := 0.0
	if n > 0 {
		var sum float64
		for _, s := range a.window[:n] {
			sum += float64(s) * float64(s)
		}
		current = byteLevel(math.Sqrt(sum / float64(n)))
	}
	a.smoothed = a.smoothing*a.smoothed + (1-a.smoothing)*current
	return a.smoothed / 255 * 100
}

// Close releases the underlying stream and waits for the consumer to exit.
func (a *Analyser) Close() error {
	err := a.stream.Close()
	<-a.done
	return err
}

// byteLevel maps an RMS amplitude onto the 0..255 analyser byte scale.
func byteLevel(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(255, v))
}
