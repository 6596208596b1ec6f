package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that supply secrets when the file leaves them empty.
const (
	EnvBackendAPIKey = "SPRECHSTUNDE_BACKEND_API_KEY"
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
)

// ValidProviderNames lists the built-in backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"responder": {"echo", "openai"},
	"tts":       {"speech", "speak"},
}

// Load reads the YAML configuration file at path, fills secrets from the
// environment and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if getenv != nil {
		ApplyEnv(cfg, getenv)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty secrets from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Relay.Backend.APIKey == "" {
		cfg.Relay.Backend.APIKey = getenv(EnvBackendAPIKey)
	}
	key := getenv(EnvOpenAIAPIKey)
	if key == "" {
		return
	}
	if cfg.Responder.Provider == "openai" && cfg.Responder.APIKey == "" {
		cfg.Responder.APIKey = key
	}
	for i := range cfg.Relay.TTS {
		if cfg.Relay.TTS[i].Provider == "speech" && cfg.Relay.TTS[i].APIKey == "" {
			cfg.Relay.TTS[i].APIKey = key
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Paths
	paths := map[string]string{
		"signaling.path":       cfg.Signaling.Path,
		"relay.path":           cfg.Relay.Path,
		"observe.metrics_path": cfg.Observe.MetricsPath,
	}
	seen := make(map[string]string, len(paths))
	for _, field := range slices.Sorted(maps.Keys(paths)) {
		p := paths[field]
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", field, p))
			continue
		}
		if other, ok := seen[p]; ok {
			errs = append(errs, fmt.Errorf("%s %q collides with %s", field, p, other))
		}
		seen[p] = field
	}

	if r := cfg.Observe.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.sample_ratio %v must be within [0, 1]", r))
	}

	// Signaling
	for i, o := range cfg.Signaling.AllowedOrigins {
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("signaling.allowed_origins[%d] %q is not an origin (scheme://host)", i, o))
		}
	}

	// Relay
	if u := cfg.Relay.Backend.URL; u != "" {
		if parsed, err := url.Parse(u); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("relay.backend.url %q must be a ws:// or wss:// URL", u))
		}
	}
	if cfg.Relay.Backend.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("relay.backend.sample_rate %d must not be negative", cfg.Relay.Backend.SampleRate))
	}
	if cfg.Relay.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.history_limit %d must not be negative", cfg.Relay.HistoryLimit))
	}
	for i, e := range cfg.Relay.TTS {
		prefix := fmt.Sprintf("relay.tts[%d]", i)
		if e.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
			continue
		}
		validateProviderName("tts", e.Provider)
		if e.Speed != 0 && (e.Speed < 0.25 || e.Speed > 4.0) {
			errs = append(errs, fmt.Errorf("%s.speed %.2f is out of range [0.25, 4.0]", prefix, e.Speed))
		}
		if e.Provider == "speak" && e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for provider speak", prefix))
		}
	}
	if cfg.Relay.Backend.APIKey == "" {
		slog.Warn("relay.backend.api_key is empty; the speech backend may reject the connection")
	}

	// Responder
	validateProviderName("responder", cfg.Responder.Provider)
	if cfg.Responder.Provider == "openai" {
		if cfg.Responder.Model == "" {
			errs = append(errs, errors.New("responder.model is required for provider openai"))
		}
		if cfg.Responder.APIKey == "" {
			errs = append(errs, errors.New("responder.api_key is required for provider openai"))
		}
	}

	// Presence
	if b := cfg.Presence.Broker; b != "" {
		if u, err := url.Parse(b); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("presence.broker %q must be a URL such as tcp://host:1883", b))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
