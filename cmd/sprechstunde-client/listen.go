package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/recorder"
)

// listen segments the microphone into utterances and writes each one to
// opts.out until ctx is cancelled.
func listen(ctx context.Context, capture audio.Capture, opts options) error {
	if err := os.MkdirAll(opts.out, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", opts.out, err)
	}

	rec, err := recorder.New(capture, recorder.DefaultConfig())
	if err != nil {
		return err
	}
	defer rec.Destroy()

	var n atomic.Int64
	rec.OnStatusChange(func(s recorder.Status) {
		slog.Debug("recorder status", "status", s)
	})
	rec.OnRecordingStart(func() {
		slog.Info("speech detected, recording")
	})
	rec.OnRecordingStop(func(seg audio.Segment, elapsed time.Duration) {
		name := filepath.Join(opts.out, fmt.Sprintf("segment-%03d.%s", n.Add(1), seg.Format))
		if err := os.WriteFile(name, seg.Data, 0o644); err != nil {
			slog.Error("write segment", "file", name, "err", err)
			return
		}
		slog.Info("segment saved", "file", name, "duration", elapsed.Round(time.Millisecond), "bytes", len(seg.Data))
	})
	rec.OnError(func(err error) {
		slog.Error("recorder error", "err", err)
	})

	if err := rec.Initialize(ctx); err != nil {
		return err
	}
	if err := rec.Start(); err != nil {
		return err
	}
	slog.Info("listening; press Ctrl+C to stop", "out", opts.out)

	<-ctx.Done()
	rec.Stop()
	slog.Info("stopped", "segments", n.Load())
	return nil
}
