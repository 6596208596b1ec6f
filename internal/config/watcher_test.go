package config_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/sprechstunde/internal/config"
)

const (
	alloyYAML = `
server:
  log_level: info
relay:
  tts:
    - provider: speech
      voice: alloy
responder:
  provider: echo
`
	novaYAML = `
server:
  log_level: debug
relay:
  tts:
    - provider: speech
      voice: nova
responder:
  provider: echo
`
	brokenYAML = `
server:
  log_level: bananas
`
)

const pollEvery = 20 * time.Millisecond

// ─── test helpers ─────────────────────────────────────────────────────────────

type change struct {
	prev, next *config.Config
	diff       config.ConfigDiff
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// rewrite replaces the file and pushes its mtime forward so that coarse
// filesystem timestamps cannot hide the edit.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	ts := time.Now().Add(bump)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func startWatcher(t *testing.T, ctx context.Context, initial string, opts ...config.WatcherOption) (*config.Watcher, string, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sprechstunde.yaml")
	writeFile(t, path, initial)

	changes := make(chan change, 8)
	opts = append([]config.WatcherOption{config.WithInterval(pollEvery)}, opts...)
	w, err := config.Watch(ctx, path, func(prev, next *config.Config, d config.ConfigDiff) {
		changes <- change{prev, next, d}
	}, opts...)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, changes
}

func awaitChange(t *testing.T, changes <-chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
		return change{}
	}
}

// assertQuiet fails when a change arrives within a few poll periods.
func assertQuiet(t *testing.T, changes <-chan change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected change: %+v", c.diff)
	case <-time.After(10 * pollEvery):
	}
}

// ─── Watch ───────────────────────────────────────────────────────────────────

func TestWatch_CurrentAfterStart(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, context.Background(), alloyYAML)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if len(cfg.Relay.TTS) != 1 || cfg.Relay.TTS[0].Voice != "alloy" {
		t.Errorf("tts = %+v", cfg.Relay.TTS)
	}
}

func TestWatch_ReportsEditWithDiff(t *testing.T) {
	t.Parallel()
	w, path, changes := startWatcher(t, context.Background(), alloyYAML)

	rewrite(t, path, novaYAML, time.Second)
	c := awaitChange(t, changes)

	if c.prev.Relay.TTS[0].Voice != "alloy" || c.next.Relay.TTS[0].Voice != "nova" {
		t.Errorf("voices prev=%q next=%q", c.prev.Relay.TTS[0].Voice, c.next.Relay.TTS[0].Voice)
	}
	if !c.diff.LogLevelChanged || c.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff log level = %+v", c.diff)
	}
	if !slices.Equal(c.diff.RestartRequired, []string{"relay.tts"}) {
		t.Errorf("RestartRequired = %v, want [relay.tts]", c.diff.RestartRequired)
	}
	if w.Current() != c.next {
		t.Error("Current does not return the reported config")
	}
}

func TestWatch_RejectedEditThenRecovery(t *testing.T) {
	t.Parallel()
	w, path, changes := startWatcher(t, context.Background(), alloyYAML)

	rewrite(t, path, brokenYAML, time.Second)
	assertQuiet(t, changes)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Fatalf("broken edit replaced config: log_level = %q", got)
	}

	rewrite(t, path, novaYAML, 2*time.Second)
	c := awaitChange(t, changes)
	// The diff is against the last good config, not the broken file.
	if c.prev.Server.LogLevel != config.LogInfo || c.next.Server.LogLevel != config.LogDebug {
		t.Errorf("prev=%q next=%q", c.prev.Server.LogLevel, c.next.Server.LogLevel)
	}
}

func TestWatch_IgnoresCosmeticEdits(t *testing.T) {
	t.Parallel()
	_, path, changes := startWatcher(t, context.Background(), alloyYAML)

	// Same mtime bump, same content.
	ts := time.Now().Add(time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	assertQuiet(t, changes)

	// Different bytes, same effective config.
	rewrite(t, path, "# reviewed\n"+alloyYAML, 2*time.Second)
	assertQuiet(t, changes)
}

func TestWatch_SurvivesFileRemoval(t *testing.T) {
	t.Parallel()
	_, path, changes := startWatcher(t, context.Background(), alloyYAML)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	assertQuiet(t, changes)

	rewrite(t, path, novaYAML, time.Second)
	if c := awaitChange(t, changes); c.next.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level after restore = %q", c.next.Server.LogLevel)
	}
}

func TestWatch_StopsWithContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	w, path, changes := startWatcher(t, ctx, alloyYAML)

	cancel()
	w.Stop()
	w.Stop()

	rewrite(t, path, novaYAML, time.Second)
	assertQuiet(t, changes)
}

func TestWatch_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Watch(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestWatch_InitialFileInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "broken.yaml")
	writeFile(t, path, brokenYAML)
	if _, err := config.Watch(context.Background(), path, nil); err == nil {
		t.Fatal("Watch accepted an invalid initial file")
	}
}

func TestWatch_FillsSecretsFromEnv(t *testing.T) {
	t.Parallel()
	env := func(k string) string {
		if k == config.EnvBackendAPIKey {
			return "dg-env"
		}
		return ""
	}
	w, _, _ := startWatcher(t, context.Background(), alloyYAML, config.WithEnv(env))

	if got := w.Current().Relay.Backend.APIKey; got != "dg-env" {
		t.Errorf("backend api_key = %q, want dg-env", got)
	}
}
