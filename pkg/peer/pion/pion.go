// Package pion implements [peer.Session] on top of pion/webrtc.
//
// Every session carries one bidirectional Opus audio track. Local audio is
// resampled to 48 kHz mono and sent in 20 ms packets; remote audio is decoded
// to 48 kHz mono [audio.Frame] values.
package pion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/peer"
)

// remoteBuffer is the number of decoded frames queued per session before
// new ones are dropped.
const remoteBuffer = 64

// Factory creates pion-backed sessions. All sessions share one configured
// [webrtc.API].
type Factory struct {
	api      *webrtc.API
	loopback bool
	log      *slog.Logger
}

// FactoryOption configures a [Factory].
type FactoryOption func(*Factory)

// WithLoopbackCandidates gathers candidates on loopback interfaces, so two
// sessions in one process can connect without a network.
func WithLoopbackCandidates() FactoryOption {
	return func(f *Factory) { f.loopback = true }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.log = l }
}

// NewFactory registers the default codecs and returns a [Factory].
func NewFactory(opts ...FactoryOption) (*Factory, error) {
	f := &Factory{log: slog.Default()}
	for _, o := range opts {
		o(f)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("pion: register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if f.loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	f.api = webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return f, nil
}

var _ peer.Factory = (*Factory)(nil)

// NewSession implements [peer.Factory].
func (f *Factory) NewSession(cfg peer.SessionConfig) (peer.Session, error) {
	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("pion: new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio", "sprechstunde-"+uuid.NewString(),
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("pion: new track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("pion: add track: %w", err)
	}

	s := &Session{
		pc:     pc,
		track:  track,
		remote: make(chan audio.Frame, remoteBuffer),
		log:    f.log,
	}

	// Incoming RTCP must be read for interceptors such as NACK to work.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(s.handleTrack)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn == nil {
			return
		}
		init := c.ToJSON()
		fn(peer.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(peer.ConnectionState(st.String()))
		}
	})
	return s, nil
}

// Session is one pion peer connection with a single audio track.
type Session struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	log   *slog.Logger

	mu          sync.Mutex
	onCandidate func(peer.ICECandidate)
	onState     func(peer.ConnectionState)
	local       audio.Stream
	pending     []webrtc.ICECandidateInit
	haveRemote  bool
	closed      bool

	remote chan audio.Frame
	wg     sync.WaitGroup
	once   sync.Once
}

var _ peer.Session = (*Session)(nil)

// OnICECandidate implements [peer.Session].
func (s *Session) OnICECandidate(fn func(peer.ICECandidate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandidate = fn
}

// OnConnectionStateChange implements [peer.Session].
func (s *Session) OnConnectionStateChange(fn func(peer.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// RemoteAudio implements [peer.Session].
func (s *Session) RemoteAudio() <-chan audio.Frame { return s.remote }

// CreateOffer implements [peer.Session].
func (s *Session) CreateOffer(_ context.Context) (peer.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return peer.SessionDescription{}, fmt.Errorf("pion: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return peer.SessionDescription{}, fmt.Errorf("pion: set local offer: %w", err)
	}
	return peer.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// Accept implements [peer.Session].
func (s *Session) Accept(_ context.Context, offer peer.SessionDescription) (peer.SessionDescription, error) {
	if err := s.setRemote(webrtc.SDPTypeOffer, offer); err != nil {
		return peer.SessionDescription{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return peer.SessionDescription{}, fmt.Errorf("pion: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return peer.SessionDescription{}, fmt.Errorf("pion: set local answer: %w", err)
	}
	return peer.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetAnswer implements [peer.Session].
func (s *Session) SetAnswer(_ context.Context, answer peer.SessionDescription) error {
	return s.setRemote(webrtc.SDPTypeAnswer, answer)
}

// setRemote applies the remote description and then every candidate that
// arrived before it.
func (s *Session) setRemote(typ webrtc.SDPType, d peer.SessionDescription) error {
	if d.Type != "" && webrtc.NewSDPType(d.Type) != typ {
		return fmt.Errorf("pion: got %q description, want %s", d.Type, typ)
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.SDP}); err != nil {
		return fmt.Errorf("pion: set remote %s: %w", typ, err)
	}

	s.mu.Lock()
	s.haveRemote = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pion: apply queued candidates: %w", err)
	}
	return nil
}

// AddICECandidate implements [peer.Session]. Candidates received before the
// remote description are queued.
func (s *Session) AddICECandidate(c peer.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	s.mu.Lock()
	if !s.haveRemote {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("pion: add candidate: %w", err)
	}
	return nil
}

// AttachLocal implements [peer.Session].
func (s *Session) AttachLocal(st audio.Stream) error {
	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = st.Close()
		return errors.New("pion: session closed")
	}
	if s.local != nil {
		s.mu.Unlock()
		return errors.New("pion: local audio already attached")
	}
	s.local = st
	s.wg.Add(1)
	s.mu.Unlock()

	go s.sendLocal(st, enc)
	return nil
}

// sendLocal encodes st until it ends.
func (s *Session) sendLocal(st audio.Stream, enc *opusEncoder) {
	defer s.wg.Done()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}
	for f := range st.Frames() {
		packets, err := enc.write(conv.Convert(f).Samples)
		for _, p := range packets {
			if werr := s.track.WriteSample(media.Sample{Data: p, Duration: opusFrameSizeMs * time.Millisecond}); werr != nil {
				s.log.Debug("pion: write sample", "err", werr)
			}
		}
		if err != nil {
			s.log.Warn("pion: encoding local audio", "err", err)
		}
	}
}

// handleTrack decodes a remote audio track until it ends.
func (s *Session) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	dec, err := newOpusDecoder()
	if err != nil {
		s.log.Error("pion: remote track without decoder", "err", err)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.log.Debug("pion: remote audio track", "codec", track.Codec().MimeType)
	var elapsed time.Duration
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		samples, err := dec.decode(pkt.Payload)
		if err != nil {
			s.log.Debug("pion: dropping undecodable packet", "err", err)
			continue
		}
		f := audio.Frame{Samples: samples, SampleRate: opusSampleRate, Channels: opusChannels, Timestamp: elapsed}
		elapsed += f.Duration()
		select {
		case s.remote <- f:
		default:
		}
	}
}

// Close implements [peer.Session].
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		local := s.local
		s.mu.Unlock()

		if local != nil {
			_ = local.Close()
		}
		err = s.pc.Close()
		s.wg.Wait()
		close(s.remote)
	})
	return err
}
