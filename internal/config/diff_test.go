package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/sprechstunde/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Relay.TTS = []config.TTSEntry{{Provider: "speech", Voice: "alloy"}}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should be hot-reloadable, got restart for %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field  string
		mutate func(*config.Config)
	}{
		{"server.listen_addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }},
		{"server.tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"} }},
		{"signaling.ping_interval", func(c *config.Config) { c.Signaling.PingInterval = time.Second }},
		{"signaling.allowed_origins", func(c *config.Config) { c.Signaling.AllowedOrigins = []string{"https://x.example"} }},
		{"relay.backend", func(c *config.Config) { c.Relay.Backend.Language = "de" }},
		{"relay.tts", func(c *config.Config) { c.Relay.TTS[0].Voice = "nova" }},
		{"relay.breaker", func(c *config.Config) { c.Relay.Breaker.MaxFailures = 9 }},
		{"responder", func(c *config.Config) { c.Responder.SystemPrompt = "kurz" }},
		{"presence", func(c *config.Config) { c.Presence.Broker = "tcp://broker:1883" }},
		{"observe", func(c *config.Config) { c.Observe.ServiceName = "other" }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, []string{tt.field}) {
				t.Errorf("RestartRequired = %v, want [%s]", d.RestartRequired, tt.field)
			}
			if d.LogLevelChanged {
				t.Error("expected LogLevelChanged=false")
			}
		})
	}
}

func TestDiff_EqualTLSByValue(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}

	if d := config.Diff(old, new); d.Changed() {
		t.Errorf("expected no changes, got %v", d.RestartRequired)
	}
}
