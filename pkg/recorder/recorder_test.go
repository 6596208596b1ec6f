package recorder_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/audio/mock"
	"github.com/MrWong99/sprechstunde/pkg/clock"
	"github.com/MrWong99/sprechstunde/pkg/observer"
	"github.com/MrWong99/sprechstunde/pkg/recorder"
	"github.com/MrWong99/sprechstunde/pkg/vad"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// fakeDetector is a recorder.Detector driven directly by the test.
type fakeDetector struct {
	mu         sync.Mutex
	stream     audio.Stream
	running    bool
	speaking   bool
	destroyed  bool
	initErr    error
	starts     int
	stops      int
	destroys   int
	lastPatch  vad.ConfigPatch
	speechOn   observer.List[struct{}]
	speechOff  observer.List[struct{}]
	volumeList observer.List[float64]
}

var _ recorder.Detector = (*fakeDetector)(nil)

func (f *fakeDetector) Initialize(s audio.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	if f.stream != nil {
		_ = f.stream.Close()
	}
	f.stream = s
	// Keep the tap drained like a real analyser would.
	go func() {
		for range s.Frames() {
		}
	}()
	return nil
}

func (f *fakeDetector) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	return nil
}

func (f *fakeDetector) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.stops++
	f.running = false
	was := f.speaking
	f.speaking = false
	f.mu.Unlock()
	if was {
		f.speechOff.Emit(struct{}{})
	}
}

func (f *fakeDetector) Destroy() {
	f.Stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	f.destroyed = true
}

func (f *fakeDetector) CurrentLevel() float64 { return 42 }

func (f *fakeDetector) IsSpeaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking
}

func (f *fakeDetector) UpdateConfig(p vad.ConfigPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPatch = p
	return nil
}

func (f *fakeDetector) OnSpeechStart(fn func()) func() {
	return f.speechOn.Subscribe(func(struct{}) { fn() })
}

func (f *fakeDetector) OnSpeechEnd(fn func()) func() {
	return f.speechOff.Subscribe(func(struct{}) { fn() })
}

func (f *fakeDetector) OnVolumeChange(fn func(float64)) func() {
	return f.volumeList.Subscribe(fn)
}

func (f *fakeDetector) speechStart() {
	f.mu.Lock()
	f.speaking = true
	f.mu.Unlock()
	f.volumeList.Emit(60)
	f.speechOn.Emit(struct{}{})
}

func (f *fakeDetector) speechEnd() {
	f.mu.Lock()
	f.speaking = false
	f.mu.Unlock()
	f.speechOff.Emit(struct{}{})
}

type harness struct {
	rec      *recorder.Recorder
	det      *fakeDetector
	capture  *mock.Capture
	stream   *mock.Stream
	clk      *clock.Fake
	segments chan recorder.SegmentEvent
	statuses chan recorder.Status
	errs     chan error
}

func newHarness(t *testing.T, cfg recorder.Config) *harness {
	t.Helper()
	h := &harness{
		det:      &fakeDetector{},
		stream:   mock.NewStream(64),
		clk:      clock.NewFake(time.Unix(5000, 0)),
		segments: make(chan recorder.SegmentEvent, 8),
		statuses: make(chan recorder.Status, 64),
		errs:     make(chan error, 8),
	}
	h.capture = &mock.Capture{OpenResult: h.stream}
	rec, err := recorder.New(h.capture, cfg,
		recorder.WithDetector(h.det),
		recorder.WithClock(h.clk),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.rec = rec
	rec.OnRecordingStop(func(seg audio.Segment, elapsed time.Duration) {
		h.segments <- recorder.SegmentEvent{Segment: seg, Elapsed: elapsed}
	})
	rec.OnStatusChange(func(s recorder.Status) { h.statuses <- s })
	rec.OnError(func(err error) { h.errs <- err })
	t.Cleanup(rec.Destroy)
	return h
}

func (h *harness) initAndStart(t *testing.T) {
	t.Helper()
	if err := h.rec.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expectStatus(t, recorder.StatusInitializing)
	h.expectStatus(t, recorder.StatusListening)
}

func (h *harness) expectStatus(t *testing.T, want recorder.Status) {
	t.Helper()
	select {
	case got := <-h.statuses:
		if got != want {
			t.Fatalf("status = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status %s", want)
	}
}

func (h *harness) expectSegment(t *testing.T) recorder.SegmentEvent {
	t.Helper()
	select {
	case ev := <-h.segments:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
	return recorder.SegmentEvent{}
}

func (h *harness) expectNoSegment(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.segments:
		t.Fatalf("unexpected segment of %v", ev.Elapsed)
	case <-time.After(50 * time.Millisecond):
	}
}

// record runs one speech start → d → speech end cycle and waits until the
// recorder is listening again.
func (h *harness) record(t *testing.T, d time.Duration) {
	t.Helper()
	h.det.speechStart()
	h.expectStatus(t, recorder.StatusRecording)
	h.clk.Advance(d)
	h.det.speechEnd()
	h.expectStatus(t, recorder.StatusProcessing)
	h.expectStatus(t, recorder.StatusListening)
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestRecorder_StartRequiresListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())

	if err := h.rec.Start(); !errors.Is(err, recorder.ErrInvalidState) {
		t.Fatalf("Start before Initialize: err = %v, want ErrInvalidState", err)
	}
	h.initAndStart(t)

	if got := h.rec.Status(); got != recorder.StatusListening {
		t.Errorf("Status = %s, want listening", got)
	}
	if err := h.rec.Initialize(context.Background()); !errors.Is(err, recorder.ErrInvalidState) {
		t.Errorf("second Initialize: err = %v, want ErrInvalidState", err)
	}
	if c := h.capture.OpenCalls[0]; c.SampleRate != 16000 || c.Channels != 1 || !c.EchoCancellation {
		t.Errorf("constraints = %+v", c)
	}
}

func TestRecorder_InitializePermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.capture.OpenError = audio.ErrPermissionDenied

	err := h.rec.Initialize(context.Background())
	var initErr *recorder.InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("err = %v, want *InitError", err)
	}
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("err should wrap ErrPermissionDenied: %v", err)
	}
	h.expectStatus(t, recorder.StatusInitializing)
	h.expectStatus(t, recorder.StatusError)

	select {
	case cbErr := <-h.errs:
		if !errors.Is(cbErr, audio.ErrPermissionDenied) {
			t.Errorf("callback err = %v", cbErr)
		}
	case <-time.After(time.Second):
		t.Fatal("error callback not invoked")
	}

	// The caller may retry once permission is granted.
	h.capture.OpenError = nil
	if err := h.rec.Initialize(context.Background()); err != nil {
		t.Fatalf("retry Initialize: %v", err)
	}
}

func TestRecorder_DetectorInitFailureReleasesStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.det.initErr = errors.New("no analyser")

	if err := h.rec.Initialize(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if !h.stream.Closed() {
		t.Error("opened stream must be released after a failed initialize")
	}
	if got := h.rec.Status(); got != recorder.StatusError {
		t.Errorf("Status = %s, want error", got)
	}
}

// ─── segmentation ─────────────────────────────────────────────────────────────

func TestRecorder_SegmentDurationBoundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		elapsed   time.Duration
		delivered bool
	}{
		{"below minimum", 499 * time.Millisecond, false},
		{"at minimum", 500 * time.Millisecond, true},
		{"regular utterance", 1800 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, recorder.DefaultConfig())
			h.initAndStart(t)

			h.record(t, tt.elapsed)

			if !tt.delivered {
				h.expectNoSegment(t)
				return
			}
			ev := h.expectSegment(t)
			if ev.Elapsed != tt.elapsed || ev.Segment.Duration != tt.elapsed {
				t.Errorf("elapsed = %v, duration = %v, want %v", ev.Elapsed, ev.Segment.Duration, tt.elapsed)
			}
			if ev.Segment.Format != audio.FormatWAV || len(ev.Segment.Data) < 44 {
				t.Errorf("segment = %s with %d bytes, want wav", ev.Segment.Format, len(ev.Segment.Data))
			}
			h.expectNoSegment(t)
		})
	}
}

func TestRecorder_MaxSegmentDurationForcesFinalize(t *testing.T) {
	t.Parallel()
	cfg := recorder.DefaultConfig()
	cfg.MaxSegmentDuration = 2 * time.Second
	h := newHarness(t, cfg)
	h.initAndStart(t)

	h.det.speechStart()
	h.expectStatus(t, recorder.StatusRecording)

	h.clk.Advance(5 * time.Second)

	ev := h.expectSegment(t)
	if ev.Elapsed != cfg.MaxSegmentDuration {
		t.Errorf("forced segment elapsed = %v, want %v", ev.Elapsed, cfg.MaxSegmentDuration)
	}
	h.expectStatus(t, recorder.StatusProcessing)
	h.expectStatus(t, recorder.StatusListening)

	// The late speech end must not finalize a second time.
	h.det.speechEnd()
	h.expectNoSegment(t)
}

func TestRecorder_SpeechEndClearsMaxTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.initAndStart(t)

	h.record(t, time.Second)
	h.expectSegment(t)

	if n := h.clk.PendingTimers(); n != 0 {
		t.Errorf("pending timers after segment = %d, want 0", n)
	}
}

func TestRecorder_SpeechStartIgnoredUnlessListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.initAndStart(t)

	h.det.speechStart()
	h.expectStatus(t, recorder.StatusRecording)
	h.clk.Advance(300 * time.Millisecond)

	// A second start while recording must not reset the segment clock.
	h.det.speechStart()
	h.clk.Advance(400 * time.Millisecond)
	h.det.speechEnd()

	ev := h.expectSegment(t)
	if ev.Elapsed != 700*time.Millisecond {
		t.Errorf("elapsed = %v, want 700ms", ev.Elapsed)
	}
}

func TestRecorder_CapturedAudioEndsUpInSegment(t *testing.T) {
	t.Parallel()
	cfg := recorder.DefaultConfig()
	cfg.Format = audio.FormatPCM16
	cfg.MinRecordingDuration = 0
	h := newHarness(t, cfg)
	h.initAndStart(t)

	frame := audio.Frame{Samples: []float32{0.5, -0.5, 0.25, -0.25}, SampleRate: 16000, Channels: 1}
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.det.speechStart()
		h.expectStatus(t, recorder.StatusRecording)
		for range 4 {
			h.stream.Push(frame)
		}
		// Give the splitter a moment to hand frames to the recording tap.
		time.Sleep(10 * time.Millisecond)
		h.clk.Advance(10 * time.Millisecond)
		h.det.speechEnd()

		ev := h.expectSegment(t)
		h.expectStatus(t, recorder.StatusProcessing)
		h.expectStatus(t, recorder.StatusListening)
		if len(ev.Segment.Data) > 0 {
			if len(ev.Segment.Data)%2 != 0 {
				t.Fatalf("pcm16 payload has odd length %d", len(ev.Segment.Data))
			}
			samples := audio.DecodePCM16LE(ev.Segment.Data)
			if samples[0] < 0.49 || samples[0] > 0.51 {
				t.Errorf("first sample = %v, want ~0.5", samples[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no audio captured into any segment")
		}
	}
}

// ─── stop / destroy ───────────────────────────────────────────────────────────

func TestRecorder_StopDuringRecordingStillDelivers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.initAndStart(t)

	h.det.speechStart()
	h.expectStatus(t, recorder.StatusRecording)
	h.clk.Advance(time.Second)

	h.rec.Stop()
	h.rec.Stop()

	ev := h.expectSegment(t)
	if ev.Elapsed != time.Second {
		t.Errorf("elapsed = %v, want 1s", ev.Elapsed)
	}
	if got := h.rec.Status(); got != recorder.StatusIdle {
		t.Errorf("Status = %s, want idle", got)
	}
	if h.det.stops != 1 {
		t.Errorf("detector stopped %d times, want 1", h.det.stops)
	}
	if err := h.rec.Start(); !errors.Is(err, recorder.ErrInvalidState) {
		t.Errorf("Start after Stop: err = %v, want ErrInvalidState", err)
	}
	if n := h.clk.PendingTimers(); n != 0 {
		t.Errorf("pending timers after Stop = %d", n)
	}
}

func TestRecorder_StopIsIdempotentFromIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.rec.Stop()
	h.rec.Stop()
	select {
	case s := <-h.statuses:
		t.Fatalf("unexpected status %s", s)
	default:
	}
}

func TestRecorder_ReinitializeAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.initAndStart(t)
	h.rec.Stop()
	h.expectStatus(t, recorder.StatusIdle)

	h.capture.OpenResult = mock.NewStream(8)
	h.initAndStart(t)
	if !h.stream.Closed() {
		t.Error("previous stream must be released on re-initialize")
	}
}

func TestRecorder_CaptureFaultEntersError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.initAndStart(t)

	boom := errors.New("device unplugged")
	h.stream.Fail(boom)

	h.expectStatus(t, recorder.StatusError)
	select {
	case err := <-h.errs:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not invoked")
	}
	if err := h.rec.Start(); !errors.Is(err, recorder.ErrInvalidState) {
		t.Errorf("Start in error state: err = %v", err)
	}
}

func TestRecorder_Destroy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	h.initAndStart(t)

	h.rec.Destroy()
	h.rec.Destroy()

	if !h.stream.Closed() {
		t.Error("Destroy must release the microphone")
	}
	if h.det.destroys != 1 {
		t.Errorf("detector destroyed %d times, want 1", h.det.destroys)
	}
	if err := h.rec.Initialize(context.Background()); !errors.Is(err, recorder.ErrDestroyed) {
		t.Errorf("Initialize after Destroy: err = %v", err)
	}
	if err := h.rec.Start(); !errors.Is(err, recorder.ErrDestroyed) {
		t.Errorf("Start after Destroy: err = %v", err)
	}
	if err := h.rec.UpdateVADConfig(vad.ConfigPatch{}); !errors.Is(err, recorder.ErrDestroyed) {
		t.Errorf("UpdateVADConfig after Destroy: err = %v", err)
	}
}

func TestRecorder_QueriesDelegate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, recorder.DefaultConfig())
	if h.rec.CurrentLevel() != 42 {
		t.Errorf("CurrentLevel = %v, want detector's 42", h.rec.CurrentLevel())
	}
	th := 30.0
	if err := h.rec.UpdateVADConfig(vad.ConfigPatch{Threshold: &th}); err != nil {
		t.Fatalf("UpdateVADConfig: %v", err)
	}
	if h.det.lastPatch.Threshold == nil || *h.det.lastPatch.Threshold != 30 {
		t.Error("patch not forwarded to detector")
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	cfg := recorder.DefaultConfig()
	cfg.Format = "webm"
	if _, err := recorder.New(&mock.Capture{}, cfg); err == nil {
		t.Error("expected error for unsupported format")
	}
}
