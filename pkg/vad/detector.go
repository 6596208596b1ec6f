package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/clock"
	"github.com/MrWong99/sprechstunde/pkg/observer"
)

var (
	// ErrInitialization wraps failures of [Detector.Initialize].
	ErrInitialization = errors.New("vad: initialization failed")

	// ErrNotInitialized is returned by [Detector.Start] before a source is attached.
	ErrNotInitialized = errors.New("vad: not initialized")

	// ErrDestroyed is returned by every operation after [Detector.Destroy].
	ErrDestroyed = errors.New("vad: destroyed")
)

// State is a snapshot of the detector's boundary tracking.
type State struct {
	IsSpeaking    bool
	CurrentLevel  float64
	LastSpeechAt  time.Time
	LastSilenceAt time.Time

	// SpeechStartCandidateAt is the first above-threshold tick of a pending
	// speech start, or the zero time when none is pending.
	SpeechStartCandidateAt time.Time
}

// Detector is an energy-threshold voice activity detector. See the package
// documentation for the algorithm.
//
// All methods are safe for concurrent use. Event handlers run on the
// analysis goroutine (or, for the speech-end synthesised by [Detector.Stop],
// on the caller's goroutine) and must not block.
type Detector struct {
	clock         clock.Clock
	frameInterval time.Duration

	mu        sync.Mutex
	cfg       Config
	src       LevelSource
	analyser  *Analyser
	state     State
	running   bool
	destroyed bool
	halt      chan struct{}

	speechStart observer.List[struct{}]
	speechEnd   observer.List[struct{}]
	volume      observer.List[float64]
}

// Option configures a [Detector].
type Option func(*Detector)

// WithClock replaces the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithFrameInterval sets the analysis tick period. Default: [DefaultFrameInterval].
func WithFrameInterval(iv time.Duration) Option {
	return func(d *Detector) {
		if iv > 0 {
			d.frameInterval = iv
		}
	}
}

// New creates a detector. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		clock:         clock.Real(),
		frameInterval: DefaultFrameInterval,
		cfg:           cfg,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Initialize attaches an analysis tap to stream. A previously attached
// source is released. The detector takes ownership of stream.
func (d *Detector) Initialize(stream audio.Stream) error {
	if stream == nil {
		return fmt.Errorf("%w: %w", ErrInitialization, audio.ErrNoAudioTrack)
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	a := NewAnalyser(stream, d.cfg.AnalysisWindowSize, d.cfg.Smoothing)
	prev := d.analyser
	d.analyser = a
	d.src = a
	d.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// AttachSource uses src as the level input instead of an audio stream, for
// platforms that already measure levels.
func (d *Detector) AttachSource(src LevelSource) error {
	if src == nil {
		return fmt.Errorf("%w: nil level source", ErrInitialization)
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	prev := d.analyser
	d.analyser = nil
	d.src = src
	d.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Start begins the analysis loop. Starting a running detector is a no-op.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.destroyed:
		return ErrDestroyed
	case d.src == nil:
		return ErrNotInitialized
	case d.running:
		return nil
	}
	d.running = true
	d.halt = make(chan struct{})
	go d.loop(d.halt)
	return nil
}

// loop ticks once per frame interval until halt is closed.
func (d *Detector) loop(halt <-chan struct{}) {
	ticker := d.clock.NewTicker(d.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-halt:
			return
		case <-ticker.C():
			d.tick()
		}
	}
}

// tick runs one analysis step.
func (d *Detector) tick() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	now := d.clock.Now()
	level := clampLevel(d.src.Level())
	cfg := d.cfg
	st := &d.state
	st.CurrentLevel = level

	var started, ended bool
	if level > cfg.Threshold {
		st.LastSpeechAt = now
		if !st.IsSpeaking {
			if st.SpeechStartCandidateAt.IsZero() {
				st.SpeechStartCandidateAt = now
			} else if now.Sub(st.SpeechStartCandidateAt) >= cfg.SpeechDuration {
				st.IsSpeaking = true
				st.SpeechStartCandidateAt = time.Time{}
				started = true
			}
		}
	} else {
		st.LastSilenceAt = now
		st.SpeechStartCandidateAt = time.Time{}
		if st.IsSpeaking && now.Sub(st.LastSpeechAt) >= cfg.SilenceDuration {
			st.IsSpeaking = false
			ended = true
		}
	}
	d.mu.Unlock()

	d.volume.Emit(level)
	if started {
		slog.Debug("vad: speech start", "level", level)
		d.speechStart.Emit(struct{}{})
	}
	if ended {
		slog.Debug("vad: speech end", "level", level)
		d.speechEnd.Emit(struct{}{})
	}
}

// Stop halts the analysis loop. If speech is in progress a speech-end event
// is emitted first, so no listener is left in a speaking state. Stopping a
// stopped detector is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.halt)
	wasSpeaking := d.state.IsSpeaking
	d.state.IsSpeaking = false
	d.state.SpeechStartCandidateAt = time.Time{}
	d.mu.Unlock()

	if wasSpeaking {
		d.speechEnd.Emit(struct{}{})
	}
}

// Destroy stops the detector, releases the analysis source and drops all
// subscribers. It is idempotent; afterwards every other operation fails
// with [ErrDestroyed] or returns zero values.
func (d *Detector) Destroy() {
	d.Stop()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	a := d.analyser
	d.analyser = nil
	d.src = nil
	d.state = State{}
	d.mu.Unlock()

	if a != nil {
		_ = a.Close()
	}
	d.speechStart.Clear()
	d.speechEnd.Clear()
	d.volume.Clear()
}

// CurrentLevel returns the most recent normalised level (0–100).
func (d *Detector) CurrentLevel() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.CurrentLevel
}

// IsSpeaking reports the current boundary state.
func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.IsSpeaking
}

// Snapshot returns a copy of the boundary tracking state.
func (d *Detector) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// UpdateConfig applies p. The change takes effect on the next tick.
func (d *Detector) UpdateConfig(p ConfigPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	next := d.cfg.apply(p)
	if err := next.Validate(); err != nil {
		return err
	}
	d.cfg = next
	if d.analyser != nil && p.Smoothing != nil {
		d.analyser.SetSmoothing(next.Smoothing)
	}
	return nil
}

// OnSpeechStart subscribes to speech-start events.
func (d *Detector) OnSpeechStart(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return d.speechStart.Subscribe(func(struct{}) { fn() })
}

// OnSpeechEnd subscribes to speech-end events.
func (d *Detector) OnSpeechEnd(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return d.speechEnd.Subscribe(func(struct{}) { fn() })
}

// OnVolumeChange subscribes to the per-tick level.
func (d *Detector) OnVolumeChange(fn func(level float64)) (unsubscribe func()) {
	return d.volume.Subscribe(fn)
}

func clampLevel(l float64) float64 {
	switch {
	case l < 0:
		return 0
	case l > 100:
		return 100
	default:
		return l
	}
}
