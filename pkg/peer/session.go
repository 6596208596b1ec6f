package peer

import (
	"context"

	"github.com/MrWong99/sprechstunde/pkg/audio"
)

// ConnectionState mirrors the state reported by the underlying peer
// connection. The client never computes it on its own.
type ConnectionState string

// Peer connection states.
const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// SessionDescription is an SDP offer or answer in its JSON wire shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled connectivity candidate in its JSON wire shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Session is the platform capability behind one direct peer connection.
// Adapters (e.g. peer/pion) implement it; the [Client] only negotiates
// through this interface.
//
// Hooks are registered before negotiation starts and may be invoked from any
// goroutine, including synchronously from within a method call.
type Session interface {
	// AttachLocal sends audio from s to the remote side. The session takes
	// ownership of s and closes it on Close.
	AttachLocal(s audio.Stream) error

	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (SessionDescription, error)

	// Accept applies a remote offer and returns the applied local answer.
	Accept(ctx context.Context, offer SessionDescription) (SessionDescription, error)

	// SetAnswer applies the remote answer to a pending offer.
	SetAnswer(ctx context.Context, answer SessionDescription) error

	// AddICECandidate applies a remote candidate.
	AddICECandidate(c ICECandidate) error

	// OnICECandidate registers the receiver of local candidates.
	OnICECandidate(fn func(ICECandidate))

	// OnConnectionStateChange registers the receiver of state transitions.
	OnConnectionStateChange(fn func(ConnectionState))

	// RemoteAudio delivers decoded audio from the remote side. The channel is
	// closed by Close.
	RemoteAudio() <-chan audio.Frame

	// Close tears the connection down. It is idempotent.
	Close() error
}

// SessionConfig is passed to [Factory.NewSession].
type SessionConfig struct {
	ICEServers []string
}

// Factory creates sessions.
type Factory interface {
	NewSession(cfg SessionConfig) (Session, error)
}

// FactoryFunc adapts a function to [Factory].
type FactoryFunc func(cfg SessionConfig) (Session, error)

// NewSession implements [Factory].
func (f FactoryFunc) NewSession(cfg SessionConfig) (Session, error) { return f(cfg) }
