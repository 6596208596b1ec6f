package pion

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	audiomock "github.com/MrWong99/sprechstunde/pkg/audio/mock"
	"github.com/MrWong99/sprechstunde/pkg/peer"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

func sine(n, rate int, freq float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(WithLoopbackCandidates())
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return f
}

func newTestSession(t *testing.T, f *Factory) *Session {
	t.Helper()
	s, err := f.NewSession(peer.SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Session)
}

// ─── opus ─────────────────────────────────────────────────────────────────────

func TestOpus_EncoderBuffersPartialFrames(t *testing.T) {
	t.Parallel()

	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder: %v", err)
	}

	packets, err := enc.write(sine(opusFrameSize/2, opusSampleRate, 440))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("half a frame produced %d packets", len(packets))
	}

	packets, err = enc.write(sine(opusFrameSize*2, opusSampleRate, 440))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(packets))
	}
	if len(enc.pending) != opusFrameSize/2 {
		t.Errorf("pending = %d samples, want %d", len(enc.pending), opusFrameSize/2)
	}
}

func TestOpus_RoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder: %v", err)
	}
	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatalf("newOpusDecoder: %v", err)
	}

	packets, err := enc.write(sine(opusFrameSize*5, opusSampleRate, 440))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	var energy float64
	for _, p := range packets {
		samples, err := dec.decode(p)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(samples) != opusFrameSize {
			t.Fatalf("decoded %d samples, want %d", len(samples), opusFrameSize)
		}
		for _, s := range samples {
			energy += float64(s * s)
		}
	}
	if energy == 0 {
		t.Error("decoded audio is silent")
	}
}

func TestOpus_DecodeGarbage(t *testing.T) {
	t.Parallel()

	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatalf("newOpusDecoder: %v", err)
	}
	// A TOC byte announcing a code-3 packet without a frame count byte.
	if _, err := dec.decode([]byte{0xff}); err == nil {
		t.Error("decode accepted a truncated packet")
	}
}

// ─── sessions ─────────────────────────────────────────────────────────────────

func TestSession_OfferContainsOpusAudio(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, newTestFactory(t))

	offer, err := s.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != "offer" {
		t.Errorf("type = %q, want offer", offer.Type)
	}
	if !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "opus/48000") {
		t.Errorf("offer lacks an opus audio section:\n%s", offer.SDP)
	}
}

func TestSession_RejectsMismatchedDescription(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, newTestFactory(t))

	if err := s.SetAnswer(context.Background(), peer.SessionDescription{Type: "offer", SDP: "v=0"}); err == nil {
		t.Error("SetAnswer accepted an offer")
	}
}

func TestSession_QueuesEarlyCandidates(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, newTestFactory(t))

	mid := "0"
	if err := s.AddICECandidate(peer.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host", SDPMid: &mid}); err != nil {
		t.Fatalf("AddICECandidate before remote description: %v", err)
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, newTestFactory(t))

	local := audiomock.NewStream(4)
	if err := s.AttachLocal(local); err != nil {
		t.Fatalf("AttachLocal: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if !local.Closed() {
		t.Error("local stream not closed")
	}
	if _, ok := <-s.RemoteAudio(); ok {
		t.Error("remote channel still open")
	}
	if err := s.AttachLocal(audiomock.NewStream(1)); err == nil {
		t.Error("AttachLocal succeeded on a closed session")
	}
}

// TestSession_LoopbackAudio connects two sessions in-process and checks that
// local audio arrives decoded on the other side.
func TestSession_LoopbackAudio(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	f := newTestFactory(t)
	caller := newTestSession(t, f)
	callee := newTestSession(t, f)

	connected := make(chan struct{}, 2)
	for _, pair := range [][2]*Session{{caller, callee}, {callee, caller}} {
		from, to := pair[0], pair[1]
		from.OnICECandidate(func(c peer.ICECandidate) { _ = to.AddICECandidate(c) })
		from.OnConnectionStateChange(func(st peer.ConnectionState) {
			if st != peer.StateConnected {
				return
			}
			select {
			case connected <- struct{}{}:
			default:
			}
		})
	}

	mic := audiomock.NewStream(256)
	if err := caller.AttachLocal(mic); err != nil {
		t.Fatalf("AttachLocal: %v", err)
	}

	ctx := context.Background()
	offer, err := caller.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := callee.Accept(ctx, offer)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := caller.SetAnswer(ctx, answer); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	for range 2 {
		select {
		case <-connected:
		case <-time.After(10 * time.Second):
			t.Fatal("sessions did not connect")
		}
	}

	// Feed 16 kHz audio in 20 ms frames until the callee hears something.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	tone := sine(320, 16000, 440)
	for {
		select {
		case f := <-callee.RemoteAudio():
			if f.SampleRate != opusSampleRate || f.Channels != 1 {
				t.Errorf("remote frame format = %d Hz x %d", f.SampleRate, f.Channels)
			}
			if len(f.Samples) == 0 {
				t.Error("empty remote frame")
			}
			return
		case <-tick.C:
			mic.Push(audio.Frame{Samples: tone, SampleRate: 16000, Channels: 1})
		case <-deadline:
			t.Fatal("no remote audio received")
		}
	}
}
