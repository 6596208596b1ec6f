package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/relayclient"
)

// relay streams the microphone to the voice relay and prints what comes
// back until ctx is cancelled or reconnection gives up.
func relay(ctx context.Context, capture audio.Capture, opts options) error {
	c, err := relayclient.New(capture, relayclient.Config{URL: opts.relayURL})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	exhausted := make(chan error, 1)
	c.OnStateChange(func(s relayclient.State) {
		slog.Info("relay state", "state", s)
	})
	c.OnError(func(err error) {
		if errors.Is(err, relayclient.ErrReconnectExhausted) {
			select {
			case exhausted <- err:
			default:
			}
			return
		}
		slog.Warn("relay error", "err", err)
	})

	var audioBytes int
	c.OnMessage(func(m relayclient.Message) {
		switch m.Type {
		case "user_transcript":
			fmt.Printf("you: %s\n", m.Text)
		case "ai_response_text":
			fmt.Printf("tutor: %s\n", m.Text)
		case "error":
			fmt.Printf("error: %s\n", m.Message)
		case "audio":
			audioBytes += len(m.Audio)
			slog.Debug("relay audio", "bytes", len(m.Audio), "total", audioBytes)
		default:
			slog.Debug("relay message", "type", m.Type, "raw", string(m.Raw))
		}
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	slog.Info("streaming to relay; press Ctrl+C to stop", "url", opts.relayURL)

	select {
	case <-ctx.Done():
		return nil
	case err := <-exhausted:
		return err
	}
}
