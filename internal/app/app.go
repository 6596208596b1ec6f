// Package app wires the sprechstunde server subsystems into a running
// application.
//
// The App owns the full lifecycle: New builds the signaling server, the voice
// relay proxy, the optional presence publisher and the HTTP routes; Serve
// runs them until the context is cancelled and then drains everything within
// the configured shutdown timeout.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithPresenceSink, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sprechstunde/internal/config"
	"github.com/MrWong99/sprechstunde/internal/health"
	"github.com/MrWong99/sprechstunde/internal/observe"
	"github.com/MrWong99/sprechstunde/internal/presence"
	"github.com/MrWong99/sprechstunde/internal/resilience"
	"github.com/MrWong99/sprechstunde/internal/signaling"
	"github.com/MrWong99/sprechstunde/internal/voicerelay"
)

// App owns all subsystem lifetimes of the server.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// level, when set, receives live log level changes from Reload.
	level *slog.LevelVar

	registry    *config.Registry
	metrics     *observe.Metrics
	metricsHTTP http.Handler

	// Subsystems, initialised in New and torn down in shutdown.
	signaling *signaling.Server
	relay     *voicerelay.Proxy
	synth     voicerelay.Synthesizer
	sink      presence.Sink
	publisher *presence.Publisher
	health    *health.Handler
	handler   http.Handler

	mu      sync.Mutex
	current *config.Config

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry sets the backend registry. Default: [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at observe.metrics_path.
// Default: promhttp.Handler() on the global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets Reload change the log level of the handler built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithPresenceSink injects a presence sink instead of dialling the broker
// named in presence.broker.
func WithPresenceSink(s presence.Sink) Option {
	return func(a *App) { a.sink = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It dials the presence
// broker when one is configured, so it may block on the network.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, current: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHTTP == nil {
		a.metricsHTTP = promhttp.Handler()
	}

	// ── 1. Presence ──────────────────────────────────────────────────────
	if err := a.initPresence(); err != nil {
		return nil, fmt.Errorf("app: init presence: %w", err)
	}

	// ── 2. Signaling ─────────────────────────────────────────────────────
	a.signaling = signaling.New(signaling.Config{
		PingInterval:    cfg.Signaling.PingInterval,
		WriteTimeout:    cfg.Signaling.WriteTimeout,
		SendBuffer:      cfg.Signaling.SendBuffer,
		AllowedOrigins:  cfg.Signaling.AllowedOrigins,
		MaxMessageBytes: cfg.Signaling.MaxMessageBytes,
	},
		signaling.WithMetrics(a.metrics),
		signaling.WithSink(a.sink),
		signaling.WithLogger(a.log),
	)

	// ── 3. Voice relay ───────────────────────────────────────────────────
	if err := a.initRelay(); err != nil {
		a.closePresence()
		return nil, fmt.Errorf("app: init relay: %w", err)
	}

	// ── 4. Routes ────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.Of("signaling", a.signaling),
		health.Of("relay", a.relay),
	}
	if p, ok := a.synth.(health.Prober); ok {
		checkers = append(checkers, health.Of("tts", p))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Signaling.Path, a.signaling)
	mux.Handle(cfg.Relay.Path, a.relay)
	mux.Handle("/rooms", a.signaling.RoomsHandler())
	mux.Handle("GET "+cfg.Observe.MetricsPath, a.metricsHTTP)
	a.health.Register(mux)
	a.handler = observe.Middleware(a.metrics,
		observe.WithMiddlewareLogger(a.log),
		observe.WithQuietPaths("/healthz", "/readyz", cfg.Observe.MetricsPath),
	)(mux)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPresence dials the MQTT broker unless a sink was injected or no broker
// is configured.
func (a *App) initPresence() error {
	if a.sink != nil {
		return nil
	}
	if a.cfg.Presence.Broker == "" {
		a.sink = presence.Nop{}
		return nil
	}
	pub, err := presence.Dial(presence.Config{
		Broker:   a.cfg.Presence.Broker,
		ClientID: a.cfg.Presence.ClientID,
		Username: a.cfg.Presence.Username,
		Password: a.cfg.Presence.Password,
		Topic:    a.cfg.Presence.Topic,
	})
	if err != nil {
		return err
	}
	a.publisher = pub
	a.sink = pub
	a.log.Info("presence publishing enabled", "broker", a.cfg.Presence.Broker, "topic", a.cfg.Presence.Topic)
	return nil
}

// initRelay builds the responder, the synthesizer chain, the backend breaker
// and the proxy.
func (a *App) initRelay() error {
	cfg := a.cfg.Relay

	resp, err := a.registry.CreateResponder(a.cfg.Responder)
	if err != nil {
		return fmt.Errorf("create responder %q: %w", a.cfg.Responder.Provider, err)
	}
	a.log.Info("responder created", "provider", a.cfg.Responder.Provider)

	breakerCfg := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			a.log.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	}

	a.synth, err = a.buildSynthesizer(breakerCfg)
	if err != nil {
		return err
	}

	backendCfg := breakerCfg
	backendCfg.Name = "speech-backend"
	opts := []voicerelay.Option{
		voicerelay.WithBreaker(resilience.NewCircuitBreaker(backendCfg)),
		voicerelay.WithMetrics(a.metrics),
		voicerelay.WithLogger(a.log),
	}
	if a.synth != nil {
		opts = append(opts, voicerelay.WithSynthesizer(a.synth))
	}

	a.relay, err = voicerelay.New(voicerelay.Config{
		Backend: voicerelay.BackendConfig{
			URL:        cfg.Backend.URL,
			APIKey:     cfg.Backend.APIKey,
			Model:      cfg.Backend.Model,
			Language:   cfg.Backend.Language,
			SampleRate: cfg.Backend.SampleRate,
		},
		HistoryLimit:   cfg.HistoryLimit,
		OriginPatterns: originHosts(a.cfg.Signaling.AllowedOrigins),
		WriteTimeout:   a.cfg.Signaling.WriteTimeout,
	}, resp, opts...)
	return err
}

// buildSynthesizer returns nil without TTS entries, the synthesizer itself
// for one entry and a fallback chain in list order for several.
func (a *App) buildSynthesizer(breakerCfg resilience.CircuitBreakerConfig) (voicerelay.Synthesizer, error) {
	entries := a.cfg.Relay.TTS
	if len(entries) == 0 {
		return nil, nil
	}

	synths := make([]voicerelay.Synthesizer, len(entries))
	for i, e := range entries {
		s, err := a.registry.CreateSynthesizer(e)
		if err != nil {
			return nil, fmt.Errorf("create tts %q (index %d): %w", e.Provider, i, err)
		}
		synths[i] = s
		a.log.Info("tts created", "provider", e.Provider, "index", i)
	}
	if len(synths) == 1 {
		return synths[0], nil
	}

	group := resilience.NewFallbackGroup(synths[0], ttsName(0, entries[0]), resilience.FallbackConfig{
		CircuitBreaker: breakerCfg,
		Logger:         a.log,
	})
	for i := 1; i < len(synths); i++ {
		group.AddFallback(ttsName(i, entries[i]), synths[i])
	}
	return voicerelay.NewFallbackSynthesizer(group), nil
}

func ttsName(i int, e config.TTSEntry) string {
	return fmt.Sprintf("tts-%d-%s", i, e.Provider)
}

// originHosts converts scheme://host origins into the host patterns the
// relay's websocket accept expects.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler with all routes and the observe
// middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Signaling returns the room signaling server.
func (a *App) Signaling() *signaling.Server { return a.signaling }

// Relay returns the voice relay proxy.
func (a *App) Relay() *voicerelay.Proxy { return a.relay }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next and logs every change that
// needs a restart. It is meant as the [config.Watcher] callback.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	prev := a.current
	a.current = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
		}
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, field := range d.RestartRequired {
		a.log.Warn("config change requires a restart", "field", field)
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and calls Serve.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln and runs the signaling heartbeat and the presence
// publisher until ctx is cancelled. It then shuts everything down within
// server.shutdown_timeout and returns. Serve takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.signaling.Run(gctx)
	})

	if a.publisher != nil {
		g.Go(func() error {
			a.publisher.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	a.log.Info("server listening",
		"addr", ln.Addr().String(),
		"signaling", a.cfg.Signaling.Path,
		"relay", a.cfg.Relay.Path,
		"tls", a.cfg.Server.TLS != nil,
	)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx, srv)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// shutdown stops accepting, closes the listener and the hijacked websocket
// connections, then disconnects from the broker. Remaining steps are skipped
// once ctx expires.
func (a *App) shutdown(ctx context.Context, srv *http.Server) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		a.health.SetDraining(true)

		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		a.signaling.Close()
		if err := a.relay.Close(); err != nil {
			a.log.Warn("relay close error", "err", err)
		}
		a.closePresence()

		if ctx.Err() != nil {
			a.log.Warn("shutdown deadline exceeded")
			shutdownErr = ctx.Err()
			return
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closePresence() {
	if a.publisher != nil {
		a.publisher.Close()
	}
}
