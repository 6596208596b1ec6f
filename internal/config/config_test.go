package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sprechstunde/internal/config"
	"github.com/MrWong99/sprechstunde/internal/voicerelay"
	"github.com/MrWong99/sprechstunde/internal/voicerelay/responder"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  shutdown_timeout: 5s

signaling:
  path: /signal
  ping_interval: 10s
  send_buffer: 16
  allowed_origins:
    - https://sprechstunde.example

relay:
  path: /relay
  backend:
    url: wss://stt.example/v1/listen
    api_key: dg-test
    language: en
  tts:
    - provider: speak
      api_key: dg-test
      voice: aura-asteria-en
    - provider: speech
      api_key: sk-test
      speed: 1.25
  history_limit: 20
  breaker:
    max_failures: 3
    reset_timeout: 1m

responder:
  provider: openai
  model: gpt-4o-mini
  api_key: sk-test
  system_prompt: Antworte knapp.

presence:
  broker: tcp://localhost:1883
  client_id: sprechstunde-test

observe:
  service_name: sprechstunde-test
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Signaling.Path != "/signal" || cfg.Signaling.PingInterval != 10*time.Second || cfg.Signaling.SendBuffer != 16 {
		t.Errorf("signaling = %+v", cfg.Signaling)
	}
	if cfg.Relay.Backend.Language != "en" || cfg.Relay.Backend.APIKey != "dg-test" {
		t.Errorf("relay.backend = %+v", cfg.Relay.Backend)
	}
	if len(cfg.Relay.TTS) != 2 || cfg.Relay.TTS[0].Provider != "speak" || cfg.Relay.TTS[1].Speed != 1.25 {
		t.Errorf("relay.tts = %+v", cfg.Relay.TTS)
	}
	if cfg.Relay.Breaker.MaxFailures != 3 || cfg.Relay.Breaker.ResetTimeout != time.Minute {
		t.Errorf("relay.breaker = %+v", cfg.Relay.Breaker)
	}
	if cfg.Relay.HistoryLimit != 20 {
		t.Errorf("history_limit = %d", cfg.Relay.HistoryLimit)
	}
	if cfg.Responder.Provider != "openai" || cfg.Responder.SystemPrompt != "Antworte knapp." {
		t.Errorf("responder = %+v", cfg.Responder)
	}
	if cfg.Presence.Broker != "tcp://localhost:1883" || cfg.Presence.Topic != config.DefaultPresenceTopic {
		t.Errorf("presence = %+v", cfg.Presence)
	}
	if cfg.Observe.ServiceName != "sprechstunde-test" || cfg.Observe.MetricsPath != config.DefaultMetricsPath {
		t.Errorf("observe = %+v", cfg.Observe)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	checks := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"shutdown_timeout", cfg.Server.ShutdownTimeout, config.DefaultShutdownTimeout},
		{"signaling.path", cfg.Signaling.Path, "/ws"},
		{"ping_interval", cfg.Signaling.PingInterval, 30 * time.Second},
		{"write_timeout", cfg.Signaling.WriteTimeout, 10 * time.Second},
		{"send_buffer", cfg.Signaling.SendBuffer, 64},
		{"max_message_bytes", cfg.Signaling.MaxMessageBytes, int64(64 << 10)},
		{"relay.path", cfg.Relay.Path, "/voice"},
		{"breaker.max_failures", cfg.Relay.Breaker.MaxFailures, 5},
		{"breaker.reset_timeout", cfg.Relay.Breaker.ResetTimeout, 30 * time.Second},
		{"responder.provider", cfg.Responder.Provider, "echo"},
		{"presence.topic", cfg.Presence.Topic, "sprechstunde/rooms/{room_id}"},
		{"observe.service_name", cfg.Observe.ServiceName, "sprechstunde"},
		{"observe.metrics_path", cfg.Observe.MetricsPath, "/metrics"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Presence.Broker != "" {
		t.Errorf("presence enabled by default: %q", cfg.Presence.Broker)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		config.EnvBackendAPIKey: "dg-env",
		config.EnvOpenAIAPIKey:  "sk-env",
	}
	getenv := func(k string) string { return env[k] }

	cfg := &config.Config{
		Responder: config.ResponderConfig{Provider: "openai"},
		Relay: config.RelayConfig{TTS: []config.TTSEntry{
			{Provider: "speech"},
			{Provider: "speech", APIKey: "sk-file"},
			{Provider: "speak", APIKey: "dg-file"},
		}},
	}
	config.ApplyEnv(cfg, getenv)

	if cfg.Relay.Backend.APIKey != "dg-env" {
		t.Errorf("backend key = %q", cfg.Relay.Backend.APIKey)
	}
	if cfg.Responder.APIKey != "sk-env" {
		t.Errorf("responder key = %q", cfg.Responder.APIKey)
	}
	wantTTS := []string{"sk-env", "sk-file", "dg-file"}
	for i, want := range wantTTS {
		if got := cfg.Relay.TTS[i].APIKey; got != want {
			t.Errorf("tts[%d] key = %q, want %q", i, got, want)
		}
	}

	// Keys from the file win.
	cfg = &config.Config{Relay: config.RelayConfig{Backend: config.BackendConfig{APIKey: "dg-file"}}}
	config.ApplyEnv(cfg, getenv)
	if cfg.Relay.Backend.APIKey != "dg-file" {
		t.Errorf("file key overwritten: %q", cfg.Relay.Backend.APIKey)
	}
	if cfg.Responder.APIKey != "" {
		t.Errorf("echo responder got a key: %q", cfg.Responder.APIKey)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestDefaultRegistry_Responders(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()

	echo, err := r.CreateResponder(config.ResponderConfig{Provider: "echo"})
	if err != nil {
		t.Fatalf("CreateResponder(echo): %v", err)
	}
	reply, err := echo.Respond(context.Background(), []responder.Turn{{Role: responder.RoleUser, Text: "Hallo"}})
	if err != nil || reply != "Hallo" {
		t.Errorf("echo reply = %q, %v", reply, err)
	}

	oa, err := r.CreateResponder(config.ResponderConfig{Provider: "openai", APIKey: "sk", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("CreateResponder(openai): %v", err)
	}
	if _, ok := oa.(*responder.OpenAI); !ok {
		t.Errorf("openai responder is %T", oa)
	}

	if _, err := r.CreateResponder(config.ResponderConfig{Provider: "openai"}); err == nil {
		t.Error("openai without key accepted")
	}
}

func TestDefaultRegistry_Synthesizers(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()

	s, err := r.CreateSynthesizer(config.TTSEntry{Provider: "speech"})
	if err != nil {
		t.Fatalf("CreateSynthesizer(speech): %v", err)
	}
	if _, ok := s.(*voicerelay.SpeechSynthesizer); !ok {
		t.Errorf("speech synthesizer is %T", s)
	}

	if _, err := r.CreateSynthesizer(config.TTSEntry{Provider: "speak"}); err == nil {
		t.Error("speak without key accepted")
	}
	s, err = r.CreateSynthesizer(config.TTSEntry{Provider: "speak", APIKey: "dg"})
	if err != nil {
		t.Fatalf("CreateSynthesizer(speak): %v", err)
	}
	if _, ok := s.(*voicerelay.SpeakSynthesizer); !ok {
		t.Errorf("speak synthesizer is %T", s)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	if _, err := r.CreateResponder(config.ResponderConfig{Provider: "echo"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateResponder err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateSynthesizer(config.TTSEntry{Provider: "speech"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSynthesizer err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	called := ""
	r.RegisterResponder("custom", func(config.ResponderConfig) (responder.Responder, error) {
		called = "first"
		return responder.Echo{}, nil
	})
	r.RegisterResponder("custom", func(config.ResponderConfig) (responder.Responder, error) {
		called = "second"
		return responder.Echo{}, nil
	})
	if _, err := r.CreateResponder(config.ResponderConfig{Provider: "custom"}); err != nil {
		t.Fatalf("CreateResponder: %v", err)
	}
	if called != "second" {
		t.Errorf("factory called = %q, want second", called)
	}
}
