// Package relayclient maintains one streaming session with a speech relay on
// behalf of a local user.
//
// A [Client] opens a WebSocket to the relay, pumps microphone frames to it as
// 16-bit little-endian PCM, and fans inbound relay events out to subscribers.
// Unexpected closes are retried with a linearly growing delay (attempt N waits
// N × BaseDelay) up to MaxReconnectAttempts; after that the client reports
// [ErrReconnectExhausted] through OnError and stays disconnected. An explicit
// [Client.Disconnect] ends the client for good.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/observer"
)

var (
	// ErrReconnectExhausted is reported through OnError once every
	// reconnection attempt has failed.
	ErrReconnectExhausted = errors.New("relayclient: reconnection attempts exhausted")

	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("relayclient: client closed")
)

// Defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = time.Second
	DefaultWriteTimeout         = 5 * time.Second
)

// Message is one event received from the relay.
type Message struct {
	// Type is the event kind, e.g. "user_transcript", "ai_response_text",
	// "error" or "audio" for binary frames.
	Type string `json:"type"`

	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`

	// Audio carries the payload of a binary frame.
	Audio []byte `json:"-"`

	// Raw is the undecoded JSON of a text frame.
	Raw json.RawMessage `json:"-"`
}

// State is the connection state of a [Client].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the client parameters.
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. ws://localhost:3002/voice.
	URL string

	// MaxReconnectAttempts bounds reconnection after an unexpected close.
	// Defaults to 5 if zero.
	MaxReconnectAttempts int

	// BaseDelay is the unit of the linear backoff. Defaults to 1s if zero.
	BaseDelay time.Duration

	// Constraints are passed to the capture device. The relay receives
	// mono audio at Constraints.SampleRate.
	Constraints audio.Constraints

	// Header is sent with every dial.
	Header http.Header
}

// Client is a relay session. All methods are safe for concurrent use.
type Client struct {
	cfg     Config
	capture audio.Capture
	log     *slog.Logger

	life   context.Context
	cancel context.CancelFunc

	connectMu sync.Mutex

	mu       sync.Mutex
	state    State
	closed   bool
	gen      uint64
	conn     *websocket.Conn
	stream   audio.Stream
	stopPump context.CancelFunc

	onMessage observer.List[Message]
	onError   observer.List[error]
	onState   observer.List[State]
}

// Option configures a [Client].
type Option func(*Client)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a disconnected client. capture supplies microphone audio on
// every (re)connect.
func New(capture audio.Capture, cfg Config, opts ...Option) (*Client, error) {
	if capture == nil {
		return nil, errors.New("relayclient: capture is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("relayclient: URL is required")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	cfg.Constraints = cfg.Constraints.Normalize()

	c := &Client{
		cfg:     cfg,
		capture: capture,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.life, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ─── subscriptions ────────────────────────────────────────────────────────────

// OnMessage subscribes to relay events. The returned function unsubscribes.
func (c *Client) OnMessage(fn func(Message)) func() { return c.onMessage.Subscribe(fn) }

// OnError subscribes to transport, audio and terminal reconnection errors.
func (c *Client) OnError(fn func(error)) func() { return c.onError.Subscribe(fn) }

// OnStateChange subscribes to connection state transitions.
func (c *Client) OnStateChange(fn func(State)) func() { return c.onState.Subscribe(fn) }

// ─── lifecycle ────────────────────────────────────────────────────────────────

// Connect opens the relay session and starts streaming microphone audio. It
// returns nil immediately if the client is already connected. Failures are
// reported both to OnError subscribers and to the caller.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.establish(ctx); err != nil {
		if !errors.Is(err, ErrClosed) {
			c.setState(StateDisconnected)
			c.onError.Emit(err)
		}
		return err
	}
	return nil
}

// IsConnected reports whether the session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect closes the session, releases the microphone and cancels any
// pending reconnection. Calling it more than once is harmless.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	wasConnected := c.state != StateDisconnected
	conn, stream, stopPump := c.detachLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.release(conn, stream, stopPump, websocket.StatusNormalClosure, "client disconnect")
	if wasConnected {
		c.onState.Emit(StateDisconnected)
	}
	c.log.Info("relay client disconnected", "url", c.cfg.URL)
}

// establish dials the relay and opens the microphone. On success the
// connection's reader and the audio pump run until the next teardown.
func (c *Client) establish(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: c.cfg.Header,
	})
	if err != nil {
		return fmt.Errorf("relayclient: dial %s: %w", c.cfg.URL, err)
	}

	stream, err := c.capture.Open(ctx, c.cfg.Constraints)
	if err != nil {
		_ = conn.CloseNow()
		return fmt.Errorf("relayclient: open audio: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = stream.Close()
		_ = conn.CloseNow()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	pumpCtx, stopPump := context.WithCancel(c.life)
	c.conn = conn
	c.stream = stream
	c.stopPump = stopPump
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.pumpAudio(pumpCtx, stream)

	c.log.Info("relay client connected", "url", c.cfg.URL)
	c.onState.Emit(StateConnected)
	return nil
}

// detachLocked takes ownership of the live session resources. c.mu must be
// held.
func (c *Client) detachLocked() (*websocket.Conn, audio.Stream, context.CancelFunc) {
	conn, stream, stopPump := c.conn, c.stream, c.stopPump
	c.conn, c.stream, c.stopPump = nil, nil, nil
	c.gen++
	return conn, stream, stopPump
}

func (c *Client) release(conn *websocket.Conn, stream audio.Stream, stopPump context.CancelFunc, code websocket.StatusCode, reason string) {
	if stopPump != nil {
		stopPump()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			c.log.Warn("relay client: close audio stream", "err", err)
		}
	}
	if conn != nil {
		// The close handshake waits for the peer; the reader is still
		// running and will observe it.
		go func() { _ = conn.Close(code, reason) }()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.onState.Emit(s)
	}
}

// ─── outbound ─────────────────────────────────────────────────────────────────

// SendAudio encodes samples as 16-bit PCM and sends them as one binary frame.
// Without an open session it logs a warning and drops the samples.
func (c *Client) SendAudio(samples []float32) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Warn("relay client: not connected, dropping audio", "samples", len(samples))
		return
	}

	ctx, cancel := context.WithTimeout(c.life, DefaultWriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, audio.EncodePCM16LE(samples)); err != nil {
		c.log.Debug("relay client: write audio", "err", err)
	}
}

// pumpAudio forwards captured frames, converted to mono at the configured
// rate, until ctx ends or the stream closes.
func (c *Client) pumpAudio(ctx context.Context, stream audio.Stream) {
	conv := audio.FormatConverter{Target: audio.Format{
		SampleRate: c.cfg.Constraints.SampleRate,
		Channels:   1,
	}}
	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				if err := stream.Err(); err != nil && ctx.Err() == nil {
					c.log.Error("relay client: audio stream failed", "err", err)
					c.onError.Emit(fmt.Errorf("relayclient: audio: %w", err))
				}
				return
			}
			c.SendAudio(conv.Convert(f).Samples)
		}
	}
}

// ─── inbound ──────────────────────────────────────────────────────────────────

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if typ == websocket.MessageBinary {
			c.onMessage.Emit(Message{Type: "audio", Audio: data})
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("relay client: malformed message", "err", err, "bytes", len(data))
			continue
		}
		msg.Raw = json.RawMessage(data)
		c.onMessage.Emit(msg)
	}
}

// handleClose tears down the session that ended and, unless the close was
// requested locally, starts reconnecting.
func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		// Already torn down by Disconnect or a newer session.
		c.mu.Unlock()
		return
	}
	conn, stream, stopPump := c.detachLocked()
	c.state = StateDisconnected
	closed := c.closed
	epoch := c.gen
	c.mu.Unlock()

	c.release(conn, stream, stopPump, websocket.StatusGoingAway, "connection lost")
	c.onState.Emit(StateDisconnected)
	if closed {
		return
	}

	c.log.Warn("relay connection lost", "url", c.cfg.URL, "status", websocket.CloseStatus(cause), "err", cause)
	go c.reconnect(epoch)
}

// reconnect retries with a linear backoff. connectMu is held only for each
// attempt, so a Connect issued during a backoff wait runs at once. Any
// session established after epoch ends the retries.
func (c *Client) reconnect(epoch uint64) {
	maxAttempts := c.cfg.MaxReconnectAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := time.Duration(attempt) * c.cfg.BaseDelay
		timer := time.NewTimer(delay)
		select {
		case <-c.life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		done, err := c.reconnectAttempt(epoch, attempt, maxAttempts, delay)
		if done {
			return
		}
		c.log.Warn("relay reconnection failed", "url", c.cfg.URL, "attempt", attempt, "err", err)
	}

	err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, maxAttempts)
	c.log.Error("relay reconnection gave up", "url", c.cfg.URL, "max_attempts", maxAttempts)
	c.onError.Emit(err)
}

// reconnectAttempt makes one attempt. done is true when retrying must stop:
// the session is back, the client was closed, or a concurrent Connect won.
func (c *Client) reconnectAttempt(epoch uint64, attempt, maxAttempts int, delay time.Duration) (done bool, err error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	stop := c.closed || c.gen != epoch
	c.mu.Unlock()
	if stop {
		return true, nil
	}

	c.log.Info("attempting relay reconnection",
		"url", c.cfg.URL,
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"delay", delay,
	)
	c.setState(StateConnecting)
	if err := c.establish(c.life); err != nil {
		if errors.Is(err, ErrClosed) || c.life.Err() != nil {
			return true, err
		}
		c.setState(StateDisconnected)
		return false, err
	}
	c.log.Info("relay reconnection successful", "url", c.cfg.URL, "attempt", attempt)
	return true, nil
}
