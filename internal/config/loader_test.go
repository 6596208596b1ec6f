package config_test

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/sprechstunde/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\n",
			want: []string{"server.log_level"},
		},
		{
			name: "sample ratio above one",
			yaml: "observe:\n  sample_ratio: 1.5\n",
			want: []string{"observe.sample_ratio"},
		},
		{
			name: "tls without key",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: []string{"server.tls"},
		},
		{
			name: "relative path",
			yaml: "signaling:\n  path: ws\n",
			want: []string{"signaling.path", "must start with /"},
		},
		{
			name: "path collision",
			yaml: "relay:\n  path: /ws\n",
			want: []string{"collides"},
		},
		{
			name: "origin without scheme",
			yaml: "signaling:\n  allowed_origins: [sprechstunde.example]\n",
			want: []string{"signaling.allowed_origins[0]"},
		},
		{
			name: "http backend",
			yaml: "relay:\n  backend:\n    url: https://stt.example\n",
			want: []string{"relay.backend.url"},
		},
		{
			name: "negative history",
			yaml: "relay:\n  history_limit: -1\n",
			want: []string{"relay.history_limit"},
		},
		{
			name: "tts without provider",
			yaml: "relay:\n  tts:\n    - voice: alloy\n",
			want: []string{"relay.tts[0].provider"},
		},
		{
			name: "tts speed out of range",
			yaml: "relay:\n  tts:\n    - provider: speech\n      speed: 5\n",
			want: []string{"relay.tts[0].speed"},
		},
		{
			name: "speak without key",
			yaml: "relay:\n  tts:\n    - provider: speech\n    - provider: speak\n",
			want: []string{"relay.tts[1].api_key"},
		},
		{
			name: "openai without model and key",
			yaml: "responder:\n  provider: openai\n",
			want: []string{"responder.model", "responder.api_key"},
		},
		{
			name: "broker without scheme",
			yaml: "presence:\n  broker: localhost\n",
			want: []string{"presence.broker"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
relay:
  history_limit: -3
presence:
  broker: nope
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, w := range []string{"server.log_level", "relay.history_limit", "presence.broker"} {
		if !strings.Contains(err.Error(), w) {
			t.Errorf("error should mention %q, got: %v", w, err)
		}
	}
}

func TestValidate_UnknownProviderIsNotAnError(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  provider: custom
relay:
  tts:
    - provider: custom
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "sprechstunde.yaml")
	writeFile(t, path, "server:\n  listen_addr: \":9000\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected a not-exist error, got: %v", err)
	}
}
