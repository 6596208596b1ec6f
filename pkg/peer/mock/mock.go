// Package mock provides in-memory implementations of [peer.Session] and
// [peer.Factory] for tests of the peer client.
//
// Sessions return canned descriptions and record every call. Tests drive the
// asynchronous side with [Session.EmitCandidate], [Session.SetState] and
// [Session.PushRemote].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/peer"
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [peer.Session].
type Session struct {
	mu sync.Mutex

	// Config is the configuration the factory was called with.
	Config peer.SessionConfig

	// OfferResult is returned by CreateOffer. Default: {offer, "mock-offer"}.
	OfferResult peer.SessionDescription

	// AnswerResult is returned by Accept. Default: {answer, "mock-answer"}.
	AnswerResult peer.SessionDescription

	// OfferError, AcceptError, SetAnswerError and CandidateError are
	// returned by the corresponding methods.
	OfferError     error
	AcceptError    error
	SetAnswerError error
	CandidateError error

	// AcceptedOffers records the offers passed to Accept.
	AcceptedOffers []peer.SessionDescription

	// Answers records the answers passed to SetAnswer.
	Answers []peer.SessionDescription

	// Candidates records the candidates passed to AddICECandidate.
	Candidates []peer.ICECandidate

	// Local is the stream passed to AttachLocal.
	Local audio.Stream

	CallCountCreateOffer int
	CallCountClose       int

	onCandidate func(peer.ICECandidate)
	onState     func(peer.ConnectionState)
	remote      chan audio.Frame
	closed      bool
}

// NewSession returns an open session with canned descriptions.
func NewSession() *Session {
	return &Session{
		OfferResult:  peer.SessionDescription{Type: "offer", SDP: "mock-offer"},
		AnswerResult: peer.SessionDescription{Type: "answer", SDP: "mock-answer"},
		remote:       make(chan audio.Frame, 16),
	}
}

var _ peer.Session = (*Session)(nil)

// AttachLocal implements [peer.Session].
func (s *Session) AttachLocal(st audio.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Local = st
	return nil
}

// CreateOffer implements [peer.Session].
func (s *Session) CreateOffer(_ context.Context) (peer.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCreateOffer++
	return s.OfferResult, s.OfferError
}

// Accept implements [peer.Session].
func (s *Session) Accept(_ context.Context, offer peer.SessionDescription) (peer.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AcceptedOffers = append(s.AcceptedOffers, offer)
	if s.AcceptError != nil {
		return peer.SessionDescription{}, s.AcceptError
	}
	return s.AnswerResult, nil
}

// SetAnswer implements [peer.Session].
func (s *Session) SetAnswer(_ context.Context, answer peer.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Answers = append(s.Answers, answer)
	return s.SetAnswerError
}

// AddICECandidate implements [peer.Session].
func (s *Session) AddICECandidate(c peer.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Candidates = append(s.Candidates, c)
	return s.CandidateError
}

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

// Close implements [peer.Session]. The remote channel and the attached local
// stream are closed on the first call.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.remote)
	local := s.Local
	s.mu.Unlock()
	if local != nil {
		_ = local.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EmitCandidate invokes the registered candidate hook.
func (s *Session) EmitCandidate(c peer.ICECandidate) {
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// SetState invokes the registered state hook.
func (s *Session) SetState(st peer.ConnectionState) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// PushRemote delivers f on the remote audio channel. It reports false when
// the session is closed or the buffer is full.
func (s *Session) PushRemote(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.remote <- f:
		return true
	default:
		return false
	}
}

// Snapshot returns copies of the recorded negotiation calls.
func (s *Session) Snapshot() (offers, answers []peer.SessionDescription, candidates []peer.ICECandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]peer.SessionDescription(nil), s.AcceptedOffers...),
		append([]peer.SessionDescription(nil), s.Answers...),
		append([]peer.ICECandidate(nil), s.Candidates...)
}

// ─── Factory ──────────────────────────────────────────────────────────────────

// Factory is a mock implementation of [peer.Factory]. Every created session
// is published on Created.
type Factory struct {
	mu sync.Mutex

	// NewSessionError is returned by NewSession.
	NewSessionError error

	// Prepare, when set, customises each session before it is returned.
	Prepare func(*Session)

	// Sessions holds every session handed out, in order.
	Sessions []*Session

	// Created receives every new session when non-nil. Sends block.
	Created chan *Session
}

var _ peer.Factory = (*Factory)(nil)

// NewFactory returns a factory whose Created channel has the given buffer.
func NewFactory(buffer int) *Factory {
	return &Factory{Created: make(chan *Session, buffer)}
}

// NewSession implements [peer.Factory].
func (f *Factory) NewSession(cfg peer.SessionConfig) (peer.Session, error) {
	f.mu.Lock()
	if f.NewSessionError != nil {
		err := f.NewSessionError
		f.mu.Unlock()
		return nil, err
	}
	s := NewSession()
	s.Config = cfg
	if f.Prepare != nil {
		f.Prepare(s)
	}
	f.Sessions = append(f.Sessions, s)
	created := f.Created
	f.mu.Unlock()
	if created != nil {
		created <- s
	}
	return s, nil
}

// CallCountNewSession returns how many sessions were created.
func (f *Factory) CallCountNewSession() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sessions)
}
