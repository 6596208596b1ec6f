// Package recorder turns a continuous microphone stream into discrete
// utterance recordings.
//
// A [Recorder] owns the capture device and delegates segmentation to a voice
// activity detector: confirmed speech starts a segment, the following silence
// (or the maximum segment duration) ends it. Segments shorter than the
// configured minimum are dropped as noise. Finished segments are handed to
// OnRecordingStop subscribers, who take ownership of the bytes.
//
// The lifecycle is an explicit state machine:
//
//	Idle → Initializing → Listening ⇄ Recording → Processing → Listening
//
// with Error reachable from any state on a capture fault. Error is sticky:
// the caller must call [Recorder.Initialize] again.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/smallnest/ringbuffer"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/clock"
	"github.com/MrWong99/sprechstunde/pkg/observer"
	"github.com/MrWong99/sprechstunde/pkg/vad"
)

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// current lifecycle state.
	ErrInvalidState = errors.New("recorder: invalid state")

	// ErrDestroyed is returned by every operation after [Recorder.Destroy].
	ErrDestroyed = errors.New("recorder: destroyed")
)

// InitError wraps the platform error that made [Recorder.Initialize] fail.
// Use errors.Is(err, audio.ErrPermissionDenied) to tell a refused microphone
// apart from other failures.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return "recorder: initialize: " + e.Err.Error() }

func (e *InitError) Unwrap() error { return e.Err }

// Defaults.
const (
	DefaultMaxSegmentDuration   = 30 * time.Second
	DefaultMinRecordingDuration = 500 * time.Millisecond
	DefaultFormat               = audio.FormatWAV
)

// Config holds the recorder parameters.
type Config struct {
	// Constraints are passed to the capture device.
	Constraints audio.Constraints

	// MaxSegmentDuration caps one utterance. A speaker who never pauses is
	// cut at this length.
	MaxSegmentDuration time.Duration

	// MinRecordingDuration is the shortest segment delivered; shorter ones
	// are discarded.
	MinRecordingDuration time.Duration

	// Format is the segment encoding: [audio.FormatWAV] or [audio.FormatPCM16].
	Format string

	// VAD configures the built-in detector. Ignored when [WithDetector] is used.
	VAD vad.Config
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		Constraints:          audio.DefaultConstraints(),
		MaxSegmentDuration:   DefaultMaxSegmentDuration,
		MinRecordingDuration: DefaultMinRecordingDuration,
		Format:               DefaultFormat,
		VAD:                  vad.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	c.Constraints = c.Constraints.Normalize()
	if c.MaxSegmentDuration <= 0 {
		c.MaxSegmentDuration = DefaultMaxSegmentDuration
	}
	if c.MinRecordingDuration < 0 {
		c.MinRecordingDuration = 0
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	return c
}

// Detector is the voice activity detection capability the recorder drives.
// [*vad.Detector] implements it.
type Detector interface {
	Initialize(stream audio.Stream) error
	Start() error
	Stop()
	Destroy()
	CurrentLevel() float64
	IsSpeaking() bool
	UpdateConfig(p vad.ConfigPatch) error
	OnSpeechStart(fn func()) (unsubscribe func())
	OnSpeechEnd(fn func()) (unsubscribe func())
	OnVolumeChange(fn func(level float64)) (unsubscribe func())
}

var _ Detector = (*vad.Detector)(nil)

// SegmentEvent is delivered to OnRecordingStop subscribers.
type SegmentEvent struct {
	Segment audio.Segment
	Elapsed time.Duration
}

// Recorder segments microphone audio into utterances. All methods are safe
// for concurrent use. Callbacks run on internal goroutines and must not block.
type Recorder struct {
	cfg      Config
	capture  audio.Capture
	detector Detector
	clock    clock.Clock
	log      *slog.Logger

	mu           sync.Mutex
	machine      *fsm.FSM
	splitter     *audio.Splitter
	buf          *ringbuffer.RingBuffer
	monitoring   bool
	capturing    bool
	stopping     bool
	overflowed   bool
	destroyed    bool
	segmentStart time.Time
	segmentEnd   time.Time
	maxTimer     clock.Timer
	stopReq      chan struct{}
	quit         chan struct{}
	pumpDone     chan struct{}

	detectorUnsubs []func()
	destroyOnce    sync.Once

	onStart  observer.List[struct{}]
	onStop   observer.List[SegmentEvent]
	onStatus observer.List[Status]
	onVolume observer.List[float64]
	onError  observer.List[error]
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithDetector replaces the built-in energy detector.
func WithDetector(d Detector) Option {
	return func(r *Recorder) { r.detector = d }
}

// WithClock replaces the wall clock used for segment timing. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// New creates an idle recorder reading from capture.
func New(capture audio.Capture, cfg Config, opts ...Option) (*Recorder, error) {
	if capture == nil {
		return nil, errors.New("recorder: capture must not be nil")
	}
	cfg = cfg.withDefaults()
	if cfg.Format != audio.FormatWAV && cfg.Format != audio.FormatPCM16 {
		return nil, fmt.Errorf("recorder: unsupported format %q", cfg.Format)
	}

	r := &Recorder{
		cfg:     cfg,
		capture: capture,
		clock:   clock.Real(),
		log:     slog.Default(),
		machine: newStateMachine(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.detector == nil {
		vcfg := cfg.VAD
		if vcfg.SampleRate == 0 {
			vcfg.SampleRate = cfg.Constraints.SampleRate
		}
		d, err := vad.New(vcfg, vad.WithClock(r.clock))
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
		r.detector = d
	}

	bytesPerSecond := cfg.Constraints.SampleRate * cfg.Constraints.Channels * 2
	capacity := int((cfg.MaxSegmentDuration + time.Second).Seconds() * float64(bytesPerSecond))
	r.buf = ringbuffer.New(capacity)

	r.detectorUnsubs = []func(){
		r.detector.OnSpeechStart(r.handleSpeechStart),
		r.detector.OnSpeechEnd(r.handleSpeechEnd),
		r.detector.OnVolumeChange(func(l float64) { r.onVolume.Emit(l) }),
	}
	return r, nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Initialize requests microphone access and wires the detector to it. It
// blocks on the platform's consent step. On failure every partially acquired
// resource is released, the recorder enters the error state, and an
// [*InitError] is returned and passed to OnError subscribers.
func (r *Recorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if err := r.transition(evInitialize); err != nil {
		r.mu.Unlock()
		return err
	}
	old := r.detachLocked()
	r.mu.Unlock()
	old.release()
	r.onStatus.Emit(StatusInitializing)

	stream, err := r.capture.Open(ctx, r.cfg.Constraints)
	if err != nil {
		return r.initFailed(err, nil)
	}
	sp := audio.NewSplitter(stream)
	vadTap, err := sp.Tap(64)
	if err != nil {
		return r.initFailed(err, sp)
	}
	recTap, err := sp.Tap(256)
	if err != nil {
		return r.initFailed(err, sp)
	}
	if err := r.detector.Initialize(vadTap); err != nil {
		return r.initFailed(err, sp)
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		_ = sp.Close()
		return ErrDestroyed
	}
	r.splitter = sp
	r.stopReq = make(chan struct{}, 1)
	r.quit = make(chan struct{})
	r.pumpDone = make(chan struct{})
	go r.pump(recTap, r.stopReq, r.quit, r.pumpDone)
	_ = r.transition(evReady)
	r.mu.Unlock()

	r.log.Info("recorder initialized",
		"sample_rate", r.cfg.Constraints.SampleRate,
		"channels", r.cfg.Constraints.Channels,
		"format", r.cfg.Format,
	)
	r.onStatus.Emit(StatusListening)
	return nil
}

func (r *Recorder) initFailed(cause error, sp *audio.Splitter) error {
	if sp != nil {
		_ = sp.Close()
	}
	r.mu.Lock()
	_ = r.transition(evFail)
	r.mu.Unlock()

	err := &InitError{Err: cause}
	r.log.Error("recorder initialization failed", "err", cause)
	r.onStatus.Emit(StatusError)
	r.onError.Emit(err)
	return err
}

// Start begins voice activity monitoring. No audio is kept until speech is
// detected. It requires the listening state.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if st := r.status(); st != StatusListening {
		r.mu.Unlock()
		return fmt.Errorf("%w: start requires %s, recorder is %s", ErrInvalidState, StatusListening, st)
	}
	if r.monitoring {
		r.mu.Unlock()
		return nil
	}
	r.monitoring = true
	r.mu.Unlock()

	if err := r.detector.Start(); err != nil {
		r.mu.Lock()
		r.monitoring = false
		r.mu.Unlock()
		return fmt.Errorf("recorder: start: %w", err)
	}
	return nil
}

// Stop ends monitoring and returns to idle. A recording in progress is
// finished through the regular completion path, so its segment is still
// delivered if long enough. The microphone stays open for a later
// [Recorder.Initialize]. Stop is a no-op when already idle.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.destroyed || r.status() == StatusIdle {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// The detector may synthesise a speech end here, which runs the normal
	// end-of-segment handling.
	r.detector.Stop()

	r.mu.Lock()
	r.monitoring = false
	if r.capturing && !r.stopping {
		r.requestCaptureStopLocked()
	}
	r.stopTimerLocked()
	changed := r.transition(evStop) == nil
	r.mu.Unlock()

	if changed {
		r.onStatus.Emit(StatusIdle)
	}
}

// Destroy stops the recorder, releases the microphone and the detector, and
// drops all subscribers once the last segment has been flushed. Terminal and
// idempotent.
func (r *Recorder) Destroy() {
	r.destroyOnce.Do(func() {
		r.Stop()

		r.mu.Lock()
		r.destroyed = true
		res := r.detachLocked()
		r.mu.Unlock()

		for _, unsub := range r.detectorUnsubs {
			unsub()
		}
		r.detector.Destroy()
		res.release()

		go func() {
			if res.done != nil {
				<-res.done
			}
			r.onStart.Clear()
			r.onStop.Clear()
			r.onStatus.Clear()
			r.onVolume.Clear()
			r.onError.Clear()
		}()
		r.log.Info("recorder destroyed")
	})
}

// resources are the capture handles detached from the recorder.
type resources struct {
	splitter *audio.Splitter
	quit     chan struct{}
	done     chan struct{}
}

func (res resources) release() {
	if res.quit != nil {
		close(res.quit)
	}
	if res.splitter != nil {
		_ = res.splitter.Close()
	}
}

// detachLocked must be called with r.mu held.
func (r *Recorder) detachLocked() resources {
	res := resources{splitter: r.splitter, quit: r.quit, done: r.pumpDone}
	r.splitter = nil
	r.quit = nil
	r.pumpDone = nil
	return res
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// Status returns the lifecycle state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status()
}

// CurrentLevel returns the detector's most recent level (0–100).
func (r *Recorder) CurrentLevel() float64 { return r.detector.CurrentLevel() }

// IsSpeaking reports whether the detector currently hears speech.
func (r *Recorder) IsSpeaking() bool { return r.detector.IsSpeaking() }

// UpdateVADConfig forwards a live parameter change to the detector.
func (r *Recorder) UpdateVADConfig(p vad.ConfigPatch) error {
	r.mu.Lock()
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	return r.detector.UpdateConfig(p)
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// OnRecordingStart subscribes to segment starts.
func (r *Recorder) OnRecordingStart(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return r.onStart.Subscribe(func(struct{}) { fn() })
}

// OnRecordingStop subscribes to finished segments. The handler owns the
// segment's bytes.
func (r *Recorder) OnRecordingStop(fn func(seg audio.Segment, elapsed time.Duration)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return r.onStop.Subscribe(func(ev SegmentEvent) { fn(ev.Segment, ev.Elapsed) })
}

// OnStatusChange subscribes to lifecycle transitions.
func (r *Recorder) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	return r.onStatus.Subscribe(fn)
}

// OnVolumeChange subscribes to the detector's per-tick level.
func (r *Recorder) OnVolumeChange(fn func(level float64)) (unsubscribe func()) {
	return r.onVolume.Subscribe(fn)
}

// OnError subscribes to asynchronous failures.
func (r *Recorder) OnError(fn func(error)) (unsubscribe func()) {
	return r.onError.Subscribe(fn)
}

// ─── Segmentation ─────────────────────────────────────────────────────────────

func (r *Recorder) handleSpeechStart() {
	r.mu.Lock()
	if r.status() != StatusListening {
		r.mu.Unlock()
		return
	}
	r.buf.Reset()
	r.overflowed = false
	r.segmentStart = r.clock.Now()
	r.capturing = true
	_ = r.transition(evRecord)
	r.maxTimer = r.clock.AfterFunc(r.cfg.MaxSegmentDuration, r.handleMaxDuration)
	r.mu.Unlock()

	r.onStatus.Emit(StatusRecording)
	r.onStart.Emit(struct{}{})
}

func (r *Recorder) handleMaxDuration() {
	r.log.Debug("recorder: max segment duration reached", "max", r.cfg.MaxSegmentDuration)
	r.handleSpeechEnd()
}

// handleSpeechEnd asks the capture pump to stop. Finalization happens in the
// pump once buffered audio is flushed.
func (r *Recorder) handleSpeechEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status() != StatusRecording || r.stopping {
		return
	}
	r.requestCaptureStopLocked()
}

// requestCaptureStopLocked must be called with r.mu held.
func (r *Recorder) requestCaptureStopLocked() {
	r.stopping = true
	r.segmentEnd = r.clock.Now()
	r.stopTimerLocked()
	select {
	case r.stopReq <- struct{}{}:
	default:
	}
}

// stopTimerLocked must be called with r.mu held.
func (r *Recorder) stopTimerLocked() {
	if r.maxTimer != nil {
		r.maxTimer.Stop()
		r.maxTimer = nil
	}
}

// pump reads the recording tap. While capturing, frames are encoded into the
// segment buffer; a stop request flushes queued frames and finalizes.
func (r *Recorder) pump(tap audio.Stream, stopReq <-chan struct{}, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	conv := audio.FormatConverter{Target: audio.Format{
		SampleRate: r.cfg.Constraints.SampleRate,
		Channels:   r.cfg.Constraints.Channels,
	}}

	finalizePending := func() {
		select {
		case <-stopReq:
			r.finalize()
		default:
		}
	}

	for {
		select {
		case <-quit:
			finalizePending()
			return
		case f, ok := <-tap.Frames():
			if !ok {
				finalizePending()
				if err := tap.Err(); err != nil {
					r.fail(fmt.Errorf("recorder: capture: %w", err))
				}
				return
			}
			r.appendFrame(conv.Convert(f))
		case <-stopReq:
			r.flush(tap, &conv)
			r.finalize()
		}
	}
}

// flush drains frames already queued on tap.
func (r *Recorder) flush(tap audio.Stream, conv *audio.FormatConverter) {
	for {
		select {
		case f, ok := <-tap.Frames():
			if !ok {
				return
			}
			r.appendFrame(conv.Convert(f))
		default:
			return
		}
	}
}

func (r *Recorder) appendFrame(f audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.capturing {
		return
	}
	if _, err := r.buf.Write(audio.EncodePCM16LE(f.Samples)); err != nil && !r.overflowed {
		r.overflowed = true
		r.log.Warn("recorder: segment buffer full, dropping audio", "err", err)
	}
}

// finalize runs once capture has stopped and all buffered audio is in. The
// segment length is measured up to the stop request, not to the flush.
func (r *Recorder) finalize() {
	r.mu.Lock()
	r.capturing = false
	r.stopping = false
	wasRecording := r.status() == StatusRecording
	if wasRecording {
		_ = r.transition(evFinish)
	}
	now := r.clock.Now()
	elapsed := r.segmentEnd.Sub(r.segmentStart)
	pcm := make([]byte, r.buf.Length())
	if len(pcm) > 0 {
		n, _ := r.buf.Read(pcm)
		pcm = pcm[:n]
	}
	r.buf.Reset()
	r.mu.Unlock()

	if wasRecording {
		r.onStatus.Emit(StatusProcessing)
	}

	if elapsed < r.cfg.MinRecordingDuration {
		r.log.Debug("recorder: segment discarded as too short",
			"elapsed", elapsed,
			"min", r.cfg.MinRecordingDuration,
		)
	} else {
		r.onStop.Emit(SegmentEvent{Segment: r.buildSegment(pcm, elapsed, now), Elapsed: elapsed})
	}

	if wasRecording {
		r.mu.Lock()
		resumed := r.transition(evResume) == nil
		r.mu.Unlock()
		if resumed {
			r.onStatus.Emit(StatusListening)
		}
	}
}

func (r *Recorder) buildSegment(pcm []byte, elapsed time.Duration, now time.Time) audio.Segment {
	c := r.cfg.Constraints
	data := pcm
	if r.cfg.Format == audio.FormatWAV {
		data = audio.EncodeWAV(pcm, c.SampleRate, c.Channels)
	}
	return audio.Segment{
		Data:       data,
		Format:     r.cfg.Format,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Duration:   elapsed,
		CreatedAt:  now,
	}
}

// fail moves the recorder to the error state after a capture fault.
func (r *Recorder) fail(err error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.stopTimerLocked()
	r.capturing = false
	r.stopping = false
	r.monitoring = false
	failed := r.transition(evFail) == nil
	r.mu.Unlock()

	r.detector.Stop()
	r.log.Error("recorder capture failed", "err", err)
	if failed {
		r.onStatus.Emit(StatusError)
	}
	r.onError.Emit(err)
}
