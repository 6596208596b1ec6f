// Package peer is the client side of the room signaling protocol. A [Client]
// joins a room on the signaling server and negotiates one direct [Session]
// per discovered peer using relayed offer, answer and ice-candidate
// messages.
//
// Media never passes through the signaling server. The concrete peer
// connection is supplied by a [Factory] (see peer/pion); the client only
// moves session descriptions and candidates between that factory's sessions
// and the signaling transport.
//
// Outbound negotiation messages carry the addressed peer in peerId and the
// sender in from. Inbound messages are keyed on from, falling back to peerId
// for senders that do not set it.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/observer"
)

var (
	// ErrNotConnected is returned by operations that need the signaling
	// transport before [Client.Connect] succeeded.
	ErrNotConnected = errors.New("peer: not connected to signaling server")

	// ErrNoLocalStream is returned by [Client.TapLocal] before
	// [Client.StartLocalStream].
	ErrNoLocalStream = errors.New("peer: no local stream")

	// ErrUnknownPeer is returned when no session exists for a peer id.
	ErrUnknownPeer = errors.New("peer: unknown peer")

	// ErrTransportClosed is reported through OnError when the signaling
	// server closes the connection.
	ErrTransportClosed = errors.New("peer: signaling transport closed")

	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("peer: client closed")
)

// DefaultICEServers are public STUN servers.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// DefaultWriteTimeout bounds every signaling write.
const DefaultWriteTimeout = 5 * time.Second

const maxEarlyCandidates = 32

const (
	typeWelcome      = "welcome"
	typeJoinRoom     = "join-room"
	typeLeaveRoom    = "leave-room"
	typeOffer        = "offer"
	typeAnswer       = "answer"
	typeICECandidate = "ice-candidate"
	typePeerJoined   = "peer-joined"
	typePeerLeft     = "peer-left"
)

// wireMessage is the union of every signaling message the client reads or
// writes.
type wireMessage struct {
	Type      string              `json:"type"`
	RoomID    string              `json:"roomId,omitempty"`
	ClientID  string              `json:"clientId,omitempty"`
	PeerID    string              `json:"peerId,omitempty"`
	From      string              `json:"from,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

// elsewhere reports whether a relayed negotiation message is addressed to
// another member of the room.
func (m wireMessage) elsewhere(self string) bool {
	switch m.Type {
	case typeOffer, typeAnswer, typeICECandidate:
		return m.From != "" && m.PeerID != "" && m.PeerID != self
	}
	return false
}

// sender returns the session key of an inbound negotiation message.
func (m wireMessage) sender() string {
	if m.From != "" {
		return m.From
	}
	return m.PeerID
}

// Config holds the client parameters.
type Config struct {
	// SignalURL is the signaling server's WebSocket URL.
	SignalURL string

	// ICEServers default to [DefaultICEServers].
	ICEServers []string

	// Constraints for the local stream. Audio only.
	Constraints audio.Constraints

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// WriteTimeout defaults to [DefaultWriteTimeout].
	WriteTimeout time.Duration
}

// StateChange is one connection state transition of a peer session.
type StateChange struct {
	PeerID string
	State  ConnectionState
}

// RemoteStream is the decoded audio of one peer.
type RemoteStream struct {
	PeerID string
	Frames <-chan audio.Frame
}

// Client joins rooms and negotiates peer sessions. It is safe for concurrent
// use.
type Client struct {
	cfg     Config
	capture audio.Capture
	factory Factory
	log     *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	selfID   string
	welcome  chan struct{}
	room     string
	local    *audio.Splitter
	sessions map[string]Session
	early    map[string][]ICECandidate // candidates that overtook their offer
	closed   bool

	onPeerJoined observer.List[string]
	onPeerLeft   observer.List[string]
	onState      observer.List[StateChange]
	onRemote     observer.List[RemoteStream]
	onMessage    observer.List[json.RawMessage]
	onError      observer.List[error]
}

// Option configures a [Client].
type Option func(*Client)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a disconnected [Client].
func New(capture audio.Capture, factory Factory, cfg Config, opts ...Option) (*Client, error) {
	if factory == nil {
		return nil, errors.New("peer: factory must not be nil")
	}
	if cfg.SignalURL == "" {
		return nil, errors.New("peer: SignalURL must not be empty")
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	cfg.Constraints = cfg.Constraints.Normalize()
	c := &Client{
		cfg:      cfg,
		capture:  capture,
		factory:  factory,
		log:      slog.Default(),
		sessions: make(map[string]Session),
		early:    make(map[string][]ICECandidate),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// OnPeerJoined subscribes to peers entering the room. Never called for the
// client itself.
func (c *Client) OnPeerJoined(fn func(peerID string)) (unsubscribe func()) {
	return c.onPeerJoined.Subscribe(fn)
}

// OnPeerLeft subscribes to peers leaving the room. Their session is closed
// before fn runs.
func (c *Client) OnPeerLeft(fn func(peerID string)) (unsubscribe func()) {
	return c.onPeerLeft.Subscribe(fn)
}

// OnConnectionStateChange subscribes to the state transitions reported by
// every peer session.
func (c *Client) OnConnectionStateChange(fn func(peerID string, state ConnectionState)) (unsubscribe func()) {
	return c.onState.Subscribe(func(sc StateChange) { fn(sc.PeerID, sc.State) })
}

// OnRemoteStream subscribes to new peer sessions' remote audio.
func (c *Client) OnRemoteStream(fn func(peerID string, frames <-chan audio.Frame)) (unsubscribe func()) {
	return c.onRemote.Subscribe(func(rs RemoteStream) { fn(rs.PeerID, rs.Frames) })
}

// OnMessage subscribes to signaling messages of types the client does not
// handle itself.
func (c *Client) OnMessage(fn func(raw json.RawMessage)) (unsubscribe func()) {
	return c.onMessage.Subscribe(fn)
}

// OnError subscribes to asynchronous failures: negotiation errors and loss
// of the signaling transport.
func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	return c.onError.Subscribe(fn)
}

// ID returns the identity assigned by the signaling server.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Room returns the joined room, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Peers returns the ids of peers with a live session, sorted.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsConnected reports whether the signaling transport is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the signaling transport and waits for the server to assign
// the client's identity. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.cfg.SignalURL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		return fmt.Errorf("peer: dial signaling: %w", err)
	}

	welcome := make(chan struct{})
	c.mu.Lock()
	if c.closed || c.conn != nil {
		already := c.conn != nil
		c.mu.Unlock()
		_ = conn.CloseNow()
		if already {
			return nil
		}
		return ErrClosed
	}
	c.conn = conn
	c.welcome = welcome
	c.mu.Unlock()

	go c.readLoop(conn)

	select {
	case <-welcome:
		c.log.Info("peer: connected to signaling server", "url", c.cfg.SignalURL, "id", c.ID())
		return nil
	case <-ctx.Done():
		c.dropTransport(conn)
		_ = conn.CloseNow()
		return fmt.Errorf("peer: waiting for welcome: %w", ctx.Err())
	}
}

// JoinRoom joins roomID, leaving the current room first if it differs.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	conn, current := c.conn, c.room
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if current == roomID {
		return nil
	}
	if current != "" {
		if err := c.LeaveRoom(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.room = roomID
	c.mu.Unlock()
	c.log.Info("peer: joining room", "room", roomID)
	return c.send(ctx, wireMessage{Type: typeJoinRoom, RoomID: roomID})
}

// StartLocalStream opens the microphone for audio-only capture. Sessions
// created afterwards send its audio. Starting twice is a no-op.
func (c *Client) StartLocalStream(ctx context.Context) error {
	c.mu.Lock()
	started := c.local != nil
	c.mu.Unlock()
	if started {
		return nil
	}
	if c.capture == nil {
		return fmt.Errorf("peer: start local stream: %w", audio.ErrUnavailable)
	}

	stream, err := c.capture.Open(ctx, c.cfg.Constraints)
	if err != nil {
		return fmt.Errorf("peer: start local stream: %w", err)
	}
	splitter := audio.NewSplitter(stream)

	c.mu.Lock()
	if c.local != nil || c.closed {
		c.mu.Unlock()
		_ = splitter.Close()
		return nil
	}
	c.local = splitter
	c.mu.Unlock()
	return nil
}

// StopLocalStream releases the microphone. Sessions keep running without
// local audio.
func (c *Client) StopLocalStream() {
	c.mu.Lock()
	local := c.local
	c.local = nil
	c.mu.Unlock()
	if local != nil {
		if err := local.Close(); err != nil {
			c.log.Warn("peer: close local stream", "err", err)
		}
	}
}

// TapLocal returns an extra reader of the local microphone, e.g. for a level
// meter.
func (c *Client) TapLocal(buffer int) (audio.Stream, error) {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		return nil, ErrNoLocalStream
	}
	return local.Tap(buffer)
}

// Call creates a session with peerID and sends it an offer.
func (c *Client) Call(ctx context.Context, peerID string) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	sess, err := c.newSession(peerID)
	if err != nil {
		return err
	}
	offer, err := sess.CreateOffer(ctx)
	if err != nil {
		c.discard(peerID, sess)
		return fmt.Errorf("peer: create offer for %s: %w", peerID, err)
	}
	c.log.Debug("peer: sending offer", "peer", peerID)
	return c.send(ctx, wireMessage{Type: typeOffer, PeerID: peerID, Offer: &offer})
}

// HangUp closes the session with peerID.
func (c *Client) HangUp(peerID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[peerID]
	delete(c.sessions, peerID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return sess.Close()
}

// LeaveRoom closes every peer session and tells the server. Leaving when not
// in a room is a no-op.
func (c *Client) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	room, conn := c.room, c.conn
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.early = make(map[string][]ICECandidate)
	c.room = ""
	c.mu.Unlock()

	closeAll(sessions)
	if room == "" || conn == nil {
		return nil
	}
	c.log.Info("peer: leaving room", "room", room)
	return c.sendOn(ctx, conn, wireMessage{Type: typeLeaveRoom, RoomID: room})
}

// Disconnect stops local media, leaves the room and closes the signaling
// transport. The client cannot be reused. Disconnect is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.StopLocalStream()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	err := c.LeaveRoom(ctx)
	cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		// The read loop observes the close handshake.
		go func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	}
	c.log.Info("peer: disconnected")
	return err
}

// newSession creates and registers the session for peerID, replacing any
// previous one.
func (c *Client) newSession(peerID string) (Session, error) {
	sess, err := c.factory.NewSession(SessionConfig{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new session for %s: %w", peerID, err)
	}
	sess.OnICECandidate(func(cand ICECandidate) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		if err := c.send(ctx, wireMessage{Type: typeICECandidate, PeerID: peerID, Candidate: &cand}); err != nil {
			c.log.Debug("peer: candidate not sent", "peer", peerID, "err", err)
		}
	})
	sess.OnConnectionStateChange(func(st ConnectionState) {
		c.log.Debug("peer: connection state", "peer", peerID, "state", string(st))
		c.onState.Emit(StateChange{PeerID: peerID, State: st})
	})

	c.mu.Lock()
	local := c.local
	prev := c.sessions[peerID]
	c.sessions[peerID] = sess
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	if local != nil {
		tap, err := local.Tap(64)
		if err == nil {
			err = sess.AttachLocal(tap)
		}
		if err != nil {
			c.log.Warn("peer: session without local audio", "peer", peerID, "err", err)
		}
	}
	c.onRemote.Emit(RemoteStream{PeerID: peerID, Frames: sess.RemoteAudio()})
	return sess, nil
}

func (c *Client) discard(peerID string, sess Session) {
	c.mu.Lock()
	if c.sessions[peerID] == sess {
		delete(c.sessions, peerID)
	}
	c.mu.Unlock()
	_ = sess.Close()
}

func (c *Client) session(peerID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return sess, nil
}

// sessionOrHold returns the session for peerID. Without one, the candidate
// is held for the offer that is expected to follow, up to maxEarlyCandidates
// per peer.
func (c *Client) sessionOrHold(peerID string, cand ICECandidate) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[peerID]; ok {
		return sess, true
	}
	if len(c.early[peerID]) < maxEarlyCandidates {
		c.early[peerID] = append(c.early[peerID], cand)
		c.log.Debug("peer: holding candidate until offer", "peer", peerID)
	}
	return nil, false
}

// send writes msg on the current transport, stamping the room and sender.
func (c *Client) send(ctx context.Context, msg wireMessage) error {
	c.mu.Lock()
	conn := c.conn
	if msg.RoomID == "" {
		msg.RoomID = c.room
	}
	if msg.From == "" && msg.Type != typeJoinRoom && msg.Type != typeLeaveRoom {
		msg.From = c.selfID
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.sendOn(ctx, conn, msg)
}

func (c *Client) sendOn(ctx context.Context, conn *websocket.Conn, msg wireMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("peer: encode %s: %w", msg.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("peer: send %s: %w", msg.Type, err)
	}
	return nil
}

// readLoop dispatches signaling messages in arrival order.
func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if c.dropTransport(conn) {
				c.log.Warn("peer: signaling transport closed", "err", err)
				c.onError.Emit(fmt.Errorf("%w: %w", ErrTransportClosed, err))
			}
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("peer: malformed signaling message", "err", err)
			continue
		}
		if err := c.handle(ctx, msg, data); err != nil {
			c.log.Warn("peer: handling signaling message", "type", msg.Type, "err", err)
			if !errors.Is(err, ErrUnknownPeer) {
				c.onError.Emit(err)
			}
		}
	}
}

// dropTransport forgets conn if it is still current. It reports whether the
// loss was unexpected.
func (c *Client) dropTransport(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	return !c.closed
}

func (c *Client) handle(ctx context.Context, msg wireMessage, raw []byte) error {
	if msg.elsewhere(c.ID()) {
		return nil
	}

	switch msg.Type {
	case typeWelcome:
		c.mu.Lock()
		c.selfID = msg.ClientID
		welcome := c.welcome
		c.welcome = nil
		c.mu.Unlock()
		if welcome != nil {
			close(welcome)
		}
		return nil

	case typePeerJoined:
		if msg.ClientID == "" || msg.ClientID == c.ID() {
			return nil
		}
		c.log.Info("peer: peer joined", "peer", msg.ClientID, "room", msg.RoomID)
		c.onPeerJoined.Emit(msg.ClientID)
		return nil

	case typePeerLeft:
		c.log.Info("peer: peer left", "peer", msg.ClientID, "room", msg.RoomID)
		c.mu.Lock()
		sess, ok := c.sessions[msg.ClientID]
		delete(c.sessions, msg.ClientID)
		delete(c.early, msg.ClientID)
		c.mu.Unlock()
		if ok {
			_ = sess.Close()
		}
		c.onPeerLeft.Emit(msg.ClientID)
		return nil

	case typeOffer:
		return c.handleOffer(ctx, msg)

	case typeAnswer:
		if msg.Answer == nil {
			return fmt.Errorf("peer: answer without description")
		}
		sess, err := c.session(msg.sender())
		if err != nil {
			return err
		}
		if err := sess.SetAnswer(ctx, *msg.Answer); err != nil {
			return fmt.Errorf("peer: apply answer from %s: %w", msg.sender(), err)
		}
		return nil

	case typeICECandidate:
		if msg.Candidate == nil {
			return nil
		}
		sess, ok := c.sessionOrHold(msg.sender(), *msg.Candidate)
		if !ok {
			return nil
		}
		if err := sess.AddICECandidate(*msg.Candidate); err != nil {
			return fmt.Errorf("peer: add candidate from %s: %w", msg.sender(), err)
		}
		return nil

	default:
		c.onMessage.Emit(json.RawMessage(raw))
		return nil
	}
}

func (c *Client) handleOffer(ctx context.Context, msg wireMessage) error {
	from := msg.sender()
	if msg.Offer == nil || from == "" {
		return fmt.Errorf("peer: offer without description or sender")
	}
	sess, err := c.newSession(from)
	if err != nil {
		return err
	}
	answer, err := sess.Accept(ctx, *msg.Offer)
	if err != nil {
		c.discard(from, sess)
		return fmt.Errorf("peer: answer offer from %s: %w", from, err)
	}
	c.mu.Lock()
	held := c.early[from]
	delete(c.early, from)
	c.mu.Unlock()
	for _, cand := range held {
		if err := sess.AddICECandidate(cand); err != nil {
			c.log.Warn("peer: early candidate rejected", "peer", from, "err", err)
		}
	}
	c.log.Debug("peer: sending answer", "peer", from)
	return c.send(ctx, wireMessage{Type: typeAnswer, PeerID: from, Answer: &answer})
}

func closeAll(sessions map[string]Session) {
	for _, s := range sessions {
		_ = s.Close()
	}
}
