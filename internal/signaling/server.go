// Package signaling implements the room signaling server: a WebSocket
// rendezvous that groups anonymous connections into named rooms and relays
// session negotiation messages between room members.
//
// The server never inspects negotiation payloads. offer, answer and
// ice-candidate messages are forwarded byte for byte to every other member of
// the named room, so point-to-point semantics hold for rooms of two.
// Membership changes are announced with peer-joined and peer-left notices.
// Connections that stop answering pings are terminated by the heartbeat in
// [Server.Run].
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/sprechstunde/internal/observe"
	"github.com/MrWong99/sprechstunde/internal/presence"
)

// ErrShuttingDown is reported by [Server.Ready] after [Server.Close].
var ErrShuttingDown = errors.New("signaling: shutting down")

// Defaults.
const (
	DefaultPingInterval    = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultSendBuffer      = 64
	DefaultMaxMessageBytes = 64 << 10
)

// Config holds the server parameters.
type Config struct {
	// PingInterval is the heartbeat period. A connection that has not
	// answered the previous ping when the next tick fires is terminated.
	PingInterval time.Duration

	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int

	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// allows any origin.
	AllowedOrigins []string

	// MaxMessageBytes is the largest inbound frame accepted.
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return c
}

// Server is the signaling endpoint. It implements [http.Handler]; mount it at
// the WebSocket path and run [Server.Run] for the heartbeat.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	rooms    *Registry[*client]
	metrics  *observe.Metrics
	sink     presence.Sink
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSink sets the receiver of room lifecycle events. Default: presence.Nop.
func WithSink(sink presence.Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New returns a server with an empty room registry.
func New(cfg Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		rooms:   NewRegistry[*client](),
		sink:    presence.Nop{},
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// ─── connection ───────────────────────────────────────────────────────────────

type client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	alive atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// terminate closes the socket without a close handshake. The reader then
// fails and unregisters the client.
func (c *client) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "signaling server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.log.Debug("signaling: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	c.alive.Store(true)

	if !s.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(s.cfg.WriteTimeout))
		c.terminate()
		return
	}
	defer s.unregister(c)

	s.log.Info("signaling: client connected", "client", c.id, "remote", r.RemoteAddr)
	go s.writeLoop(c)
	s.enqueue(c, encodeNotice(TypeWelcome, c.id, ""))
	s.readLoop(c)
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.metrics.SignalingConnections.Add(context.Background(), 1)
	return true
}

// unregister removes c from every room and from the connection set.
func (s *Server) unregister(c *client) {
	c.terminate()

	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.SignalingConnections.Add(context.Background(), -1)

	for _, d := range s.rooms.LeaveAll(c) {
		s.departed(c, d)
	}
	s.log.Info("signaling: client disconnected", "client", c.id)
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("signaling: read failed", "client", c.id, "err", err)
			}
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug("signaling: write failed", "client", c.id, "err", err)
				c.terminate()
				return
			}
		}
	}
}

// enqueue hands msg to c's writer. Sends to closed or backed-up connections
// are skipped.
func (s *Server) enqueue(c *client, msg []byte) {
	select {
	case <-c.done:
		s.metrics.RecordDropped(context.Background(), observe.DropNotOpen)
		s.log.Debug("signaling: skipping send to closed connection", "client", c.id)
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		s.metrics.RecordDropped(context.Background(), observe.DropFull)
		s.log.Debug("signaling: send queue full, skipping", "client", c.id)
	}
}

// ─── protocol ─────────────────────────────────────────────────────────────────

func (s *Server) handleMessage(c *client, data []byte) {
	ctx := context.Background()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.metrics.RecordDropped(ctx, observe.DropMalformed)
		s.log.Warn("signaling: malformed message", "client", c.id, "err", err)
		return
	}

	switch env.Type {
	case TypeJoinRoom, TypeLeaveRoom, TypeOffer, TypeAnswer, TypeICECandidate:
		s.metrics.RecordSignalingMessage(ctx, env.Type)
	default:
		s.metrics.RecordDropped(ctx, observe.DropUnknown)
		s.log.Warn("signaling: unknown message type", "client", c.id, "type", env.Type)
		return
	}

	if env.RoomID == "" {
		s.metrics.RecordDropped(ctx, observe.DropMalformed)
		s.log.Warn("signaling: message without roomId", "client", c.id, "type", env.Type)
		return
	}

	switch env.Type {
	case TypeJoinRoom:
		s.join(c, env.RoomID)
	case TypeLeaveRoom:
		if d, ok := s.rooms.Leave(env.RoomID, c); ok {
			s.departed(c, d)
		}
	default:
		s.broadcast(c, env.RoomID, data)
	}
}

func (s *Server) join(c *client, room string) {
	others, created, added := s.rooms.Join(room, c)
	if !added {
		s.log.Debug("signaling: already in room", "client", c.id, "room", room)
		return
	}
	now := time.Now()
	if created {
		s.metrics.SignalingRooms.Add(context.Background(), 1)
		s.sink.Publish(presence.Event{Kind: presence.RoomCreated, RoomID: room, ClientID: c.id, Members: 1, At: now})
	}
	s.sink.Publish(presence.Event{Kind: presence.PeerJoined, RoomID: room, ClientID: c.id, Members: len(others) + 1, At: now})
	s.log.Info("signaling: client joined room", "client", c.id, "room", room, "members", len(others)+1)

	joined := encodeNotice(TypePeerJoined, c.id, room)
	for _, o := range others {
		s.enqueue(o, joined)
		s.enqueue(c, encodeNotice(TypePeerJoined, o.id, room))
	}
}

// departed announces that c left d.Room.
func (s *Server) departed(c *client, d Departure[*client]) {
	now := time.Now()
	s.sink.Publish(presence.Event{Kind: presence.PeerLeft, RoomID: d.Room, ClientID: c.id, Members: len(d.Remaining), At: now})
	if d.Deleted {
		s.metrics.SignalingRooms.Add(context.Background(), -1)
		s.sink.Publish(presence.Event{Kind: presence.RoomClosed, RoomID: d.Room, At: now})
		s.log.Info("signaling: room deleted", "room", d.Room)
		return
	}
	s.log.Info("signaling: client left room", "client", c.id, "room", d.Room, "members", len(d.Remaining))
	left := encodeNotice(TypePeerLeft, c.id, d.Room)
	for _, o := range d.Remaining {
		s.enqueue(o, left)
	}
}

// broadcast relays data to every member of room except sender.
func (s *Server) broadcast(sender *client, room string, data []byte) {
	for _, m := range s.rooms.Members(room, sender) {
		s.enqueue(m, data)
	}
}

// ─── heartbeat and shutdown ───────────────────────────────────────────────────

// Run drives the heartbeat until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat terminates connections that missed the previous ping and pings
// the rest.
func (s *Server) heartbeat() {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	for _, c := range s.snapshot() {
		if !c.alive.Swap(false) {
			s.metrics.HeartbeatTerminations.Add(context.Background(), 1)
			s.log.Info("signaling: terminating unresponsive connection", "client", c.id)
			c.terminate()
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.log.Debug("signaling: ping failed", "client", c.id, "err", err)
		}
	}
}

func (s *Server) snapshot() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Close stops accepting connections and closes every open one. Rooms are
// abandoned. Calling Close more than once is harmless.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	for _, c := range s.snapshot() {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.terminate()
	}
}

// ─── introspection ────────────────────────────────────────────────────────────

// Rooms returns the member count of every room.
func (s *Server) Rooms() map[string]int {
	return s.rooms.Snapshot()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Ready reports whether the server accepts connections. It has the shape of
// a health checker.
func (s *Server) Ready(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	return nil
}

// RoomsHandler serves the room snapshot as JSON.
func (s *Server) RoomsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rooms":       s.Rooms(),
			"connections": s.Connections(),
		})
	})
}
