// Package voicerelay is the server side of the Session Relay: it accepts a
// browser WebSocket, streams the microphone audio to a speech recognition
// backend and turns every final transcript into a spoken reply.
//
// One session runs per browser connection. Each session owns one backend
// connection and one append-only [History]. A turn is processed as
//
//	user_transcript  -> the recognised text, echoed back for display
//	ai_response_text -> the reply produced by the [responder.Responder]
//	binary frames    -> the reply synthesised by the optional [Synthesizer]
//
// Failures during a turn are reported as {"type":"error"} messages and do
// not end the session. When the backend goes away the browser connection is
// closed with status 1011.
package voicerelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/sprechstunde/internal/observe"
	"github.com/MrWong99/sprechstunde/internal/resilience"
	"github.com/MrWong99/sprechstunde/internal/voicerelay/responder"
)

// ErrShuttingDown is the cause attached to sessions ended by [Proxy.Close].
var ErrShuttingDown = errors.New("voicerelay: shutting down")

var (
	errClientGone    = errors.New("voicerelay: client disconnected")
	errBackendClosed = errors.New("voicerelay: backend closed")
)

// Outbound message types.
const (
	TypeUserTranscript = "user_transcript"
	TypeAIResponseText = "ai_response_text"
	TypeError          = "error"
)

// Error stages recorded on the backend error counter.
const (
	StageDial       = "dial"
	StageForward    = "forward"
	StageRespond    = "respond"
	StageSynthesize = "synthesize"
)

// Defaults.
const (
	DefaultBackendURL   = "wss://api.deepgram.com/v1/listen"
	DefaultModel        = "nova-2"
	DefaultLanguage     = "de"
	DefaultSampleRate   = 16000
	DefaultWriteTimeout = 10 * time.Second

	turnQueue     = 16
	audioChunk    = 16 << 10
	readLimit     = 1 << 20
	closeStream   = `{"type":"CloseStream"}`
	replyFailed   = "Failed to get AI response."
	backendFailed = "Speech backend unavailable."
)

// BackendConfig addresses the streaming speech recognition backend.
type BackendConfig struct {
	// URL is the streaming endpoint. Default: [DefaultBackendURL].
	URL string

	// APIKey is sent as "Authorization: Token <key>" when set.
	APIKey string

	Model      string
	Language   string
	SampleRate int
}

// Config holds the proxy parameters.
type Config struct {
	Backend BackendConfig

	// HistoryLimit caps the number of turns handed to the responder.
	// Zero passes the whole history.
	HistoryLimit int

	// OriginPatterns are host patterns accepted in the Origin header in
	// addition to the request host.
	OriginPatterns []string

	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Backend.URL == "" {
		c.Backend.URL = DefaultBackendURL
	}
	if c.Backend.Model == "" {
		c.Backend.Model = DefaultModel
	}
	if c.Backend.Language == "" {
		c.Backend.Language = DefaultLanguage
	}
	if c.Backend.SampleRate <= 0 {
		c.Backend.SampleRate = DefaultSampleRate
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// outbound is a JSON message sent to the browser.
type outbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// Proxy accepts browser connections and runs one relay session per
// connection. It implements [http.Handler].
type Proxy struct {
	cfg        Config
	backendURL string
	responder  responder.Responder
	synth      Synthesizer
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// Option configures a [Proxy].
type Option func(*Proxy)

// WithSynthesizer enables spoken replies.
func WithSynthesizer(s Synthesizer) Option {
	return func(p *Proxy) { p.synth = s }
}

// WithBreaker guards backend dials. Default: a breaker with default settings.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Proxy) { p.breaker = cb }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.log = l }
}

// New creates a [Proxy] that answers turns with r.
func New(cfg Config, r responder.Responder, opts ...Option) (*Proxy, error) {
	if r == nil {
		return nil, errors.New("voicerelay: responder must not be nil")
	}
	cfg = cfg.withDefaults()
	backendURL, err := buildBackendURL(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("voicerelay: backend URL: %w", err)
	}
	p := &Proxy{
		cfg:        cfg,
		backendURL: backendURL,
		responder:  r,
		log:        slog.Default(),
		sessions:   make(map[*session]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.breaker == nil {
		p.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "speech-backend"})
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

func buildBackendURL(b BackendConfig) (string, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", b.Model)
	q.Set("language", b.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(b.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "false")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ServeHTTP upgrades the request and runs a relay session until either side
// goes away.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: p.cfg.OriginPatterns})
	if err != nil {
		p.log.Warn("voicerelay: accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	s := &session{
		id:      uuid.NewString(),
		proxy:   p,
		client:  conn,
		history: NewHistory(p.cfg.HistoryLimit),
		turns:   make(chan string, turnQueue),
		cancel:  cancel,
	}
	s.log = p.log.With("session", s.id)

	if !p.track(s) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer p.untrack(s)

	p.metrics.RelaySessions.Add(ctx, 1)
	defer p.metrics.RelaySessions.Add(context.Background(), -1)

	s.log.Info("voicerelay: session started", "remote", r.RemoteAddr)
	s.run(ctx)
	s.log.Info("voicerelay: session ended", "turns", s.history.Len())
}

func (p *Proxy) track(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.sessions[s] = struct{}{}
	return true
}

func (p *Proxy) untrack(s *session) {
	p.mu.Lock()
	delete(p.sessions, s)
	p.mu.Unlock()
}

// dialBackend opens the recognition stream through the breaker.
func (p *Proxy) dialBackend(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := p.breaker.Execute(func() error {
		header := http.Header{}
		if p.cfg.Backend.APIKey != "" {
			header.Set("Authorization", "Token "+p.cfg.Backend.APIKey)
		}
		c, _, err := websocket.Dial(ctx, p.backendURL, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("voicerelay: dial backend: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Sessions reports the number of live sessions.
func (p *Proxy) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Ready reports an error while backend dials are being rejected.
func (p *Proxy) Ready(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrShuttingDown
	}
	return p.breaker.Ready(ctx)
}

// Close rejects new connections and ends every live session with status
// 1001. It does not wait for the sessions to finish. Close is idempotent.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	live := make([]*session, 0, len(p.sessions))
	for s := range p.sessions {
		live = append(live, s)
	}
	p.mu.Unlock()

	for _, s := range live {
		s.cancel(ErrShuttingDown)
	}
	return nil
}

// finalTranscript extracts the text of a final, non-empty recognition result.
func finalTranscript(data []byte) (string, bool) {
	var res struct {
		Type    string `json:"type"`
		IsFinal bool   `json:"is_final"`
		Channel struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channel"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", false
	}
	if res.Type != "Results" || !res.IsFinal || len(res.Channel.Alternatives) == 0 {
		return "", false
	}
	text := res.Channel.Alternatives[0].Transcript
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}
