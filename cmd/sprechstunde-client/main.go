// Command sprechstunde-client drives the client-side packages against a
// microphone: segmenting speech into WAV files, streaming it to the voice
// relay, or calling a peer in a signaling room.
//
// Microphone access needs a build with -tags portaudio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/audio/portaudio"
)

// options holds the parsed command line.
type options struct {
	mode      string
	signalURL string
	relayURL  string
	room      string
	out       string
	verbose   bool
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var opts options
	flag.StringVar(&opts.mode, "mode", "listen", "listen | relay | call")
	flag.StringVar(&opts.signalURL, "signal", envOr("SPRECHSTUNDE_SIGNAL_URL", "ws://localhost:3002/ws"), "signaling server WebSocket URL (call mode)")
	flag.StringVar(&opts.relayURL, "relay", envOr("SPRECHSTUNDE_RELAY_URL", "ws://localhost:3002/voice"), "voice relay WebSocket URL (relay mode)")
	flag.StringVar(&opts.room, "room", "lobby", "room to join (call mode)")
	flag.StringVar(&opts.out, "out", "segments", "directory for recorded audio (listen and call mode)")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.Parse()

	_ = godotenv.Load()

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	capture := portaudio.New()

	var err error
	switch opts.mode {
	case "listen":
		err = listen(ctx, capture, opts)
	case "relay":
		err = relay(ctx, capture, opts)
	case "call":
		err = call(ctx, capture, opts)
	default:
		fmt.Fprintf(os.Stderr, "sprechstunde-client: unknown mode %q\n", opts.mode)
		flag.Usage()
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, audio.ErrPermissionDenied):
		slog.Error("microphone access was denied", "err", err)
	case errors.Is(err, audio.ErrUnavailable):
		slog.Error("no microphone available", "err", err)
	default:
		slog.Error("client failed", "mode", opts.mode, "err", err)
	}
	return 1
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
