// Package config provides the configuration schema, loader, watcher and
// backend registry for the sprechstunde server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":3002"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultSignalingPath   = "/ws"
	DefaultPingInterval    = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultSendBuffer      = 64
	DefaultMaxMessageBytes = 64 << 10

	DefaultRelayPath         = "/voice"
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = 30 * time.Second
	DefaultResponderProvider = "echo"

	DefaultPresenceTopic = "sprechstunde/rooms/{room_id}"

	DefaultServiceName = "sprechstunde"
	DefaultMetricsPath = "/metrics"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Signaling SignalingConfig `yaml:"signaling"`
	Relay     RelayConfig     `yaml:"relay"`
	Responder ResponderConfig `yaml:"responder"`
	Presence  PresenceConfig  `yaml:"presence"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3002").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SignalingConfig configures the room signaling endpoint.
type SignalingConfig struct {
	Path            string        `yaml:"path"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	SendBuffer      int           `yaml:"send_buffer"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`

	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RelayConfig configures the server-side voice relay.
type RelayConfig struct {
	// Path is the WebSocket path.
	Path string `yaml:"path"`

	// Backend fields left empty take the relay package defaults.
	Backend BackendConfig `yaml:"backend"`

	// TTS lists speech synthesis backends in fallback order. Empty disables
	// spoken replies.
	TTS []TTSEntry `yaml:"tts"`

	// HistoryLimit caps the turns handed to the responder. 0 is unbounded.
	HistoryLimit int `yaml:"history_limit"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BackendConfig addresses the streaming speech recognition backend.
type BackendConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
}

// TTSEntry is one speech synthesis backend. Provider selects the constructor
// registered in the [Registry] ("speech" or "speak" by default).
type TTSEntry struct {
	Provider string  `yaml:"provider"`
	URL      string  `yaml:"url"`
	APIKey   string  `yaml:"api_key"`
	Model    string  `yaml:"model"`
	Voice    string  `yaml:"voice"`
	Speed    float64 `yaml:"speed"`
	Format   string  `yaml:"format"`
}

// BreakerConfig tunes the circuit breaker guarding backend dials.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ResponderConfig selects the reply generator.
type ResponderConfig struct {
	// Provider selects the constructor registered in the [Registry]
	// ("echo" or "openai" by default).
	Provider     string        `yaml:"provider"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// PresenceConfig configures publishing of room lifecycle events to an MQTT
// broker. An empty Broker disables publishing.
type PresenceConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Topic may contain {room_id}.
	Topic string `yaml:"topic"`
}

// ObserveConfig configures metrics export and trace sampling.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`

	// SampleRatio is the fraction of new traces that are sampled. Zero
	// samples every trace.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	sig := &cfg.Signaling
	if sig.Path == "" {
		sig.Path = DefaultSignalingPath
	}
	if sig.PingInterval <= 0 {
		sig.PingInterval = DefaultPingInterval
	}
	if sig.WriteTimeout <= 0 {
		sig.WriteTimeout = DefaultWriteTimeout
	}
	if sig.SendBuffer <= 0 {
		sig.SendBuffer = DefaultSendBuffer
	}
	if sig.MaxMessageBytes <= 0 {
		sig.MaxMessageBytes = DefaultMaxMessageBytes
	}

	r := &cfg.Relay
	if r.Path == "" {
		r.Path = DefaultRelayPath
	}
	if r.Breaker.MaxFailures <= 0 {
		r.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if r.Breaker.ResetTimeout <= 0 {
		r.Breaker.ResetTimeout = DefaultBreakerReset
	}

	if cfg.Responder.Provider == "" {
		cfg.Responder.Provider = DefaultResponderProvider
	}

	if cfg.Presence.Topic == "" {
		cfg.Presence.Topic = DefaultPresenceTopic
	}

	o := &cfg.Observe
	if o.ServiceName == "" {
		o.ServiceName = DefaultServiceName
	}
	if o.MetricsPath == "" {
		o.MetricsPath = DefaultMetricsPath
	}
}
