package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the freshly loaded config together
// with their [Diff].
type ChangeFunc func(prev, next *Config, d ConfigDiff)

// fileState identifies one observed version of the config file.
type fileState struct {
	size int64
	mod  time.Time
	sum  [sha256.Size]byte
}

// Watcher polls a config file and reports every valid edit that changes the
// effective configuration. Edits that fail to parse or validate are logged
// and ignored; the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	getenv   func(string) string
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileState

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv sets the environment lookup used to fill secrets.
// Default: os.Getenv.
func WithEnv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) { w.getenv = getenv }
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// Watch loads the file at path and polls it until ctx is cancelled or
// [Watcher.Stop] is called. The initial load must succeed.
func Watch(ctx context.Context, path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		getenv:   os.Getenv,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for a running callback to return. It must not
// be called from the callback. Stop may be called more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll()
		}
	}
}

// poll reloads the file when its size or mtime moved, and reports the new
// config when the content hash and the effective config both changed.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.Size() == seen.size && info.ModTime().Equal(seen.mod) {
		return
	}

	next, st, err := w.load()
	if err != nil {
		w.log.Warn("config: rejected edit, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.seen = st
	if st.sum == seen.sum {
		w.mu.Unlock()
		return
	}
	d := Diff(prev, next)
	if !d.Changed() {
		// Comments or formatting only.
		w.mu.Unlock()
		return
	}
	w.current = next
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(prev, next, d)
	}
}

func (w *Watcher) load() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := load(bytes.NewReader(data), w.getenv)
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{size: info.Size(), mod: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
