package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/sprechstunde/pkg/audio"
	"github.com/MrWong99/sprechstunde/pkg/peer"
	"github.com/MrWong99/sprechstunde/pkg/peer/pion"
)

// maxRemoteSeconds bounds the audio kept per remote peer.
const maxRemoteSeconds = 600

// call joins opts.room, calls every peer whose id sorts above ours and
// answers the rest. Received audio is written to opts.out as one WAV file
// per peer when ctx is cancelled.
func call(ctx context.Context, capture audio.Capture, opts options) error {
	factory, err := pion.NewFactory(pion.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	c, err := peer.New(capture, factory, peer.Config{SignalURL: opts.signalURL})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	rec := newRemoteRecorder()

	c.OnPeerJoined(func(id string) {
		slog.Info("peer joined", "peer", id)
		// Exactly one side of a pair places the call.
		if c.ID() >= id {
			return
		}
		go func() {
			if err := c.Call(ctx, id); err != nil {
				slog.Warn("call failed", "peer", id, "err", err)
			}
		}()
	})
	c.OnPeerLeft(func(id string) {
		slog.Info("peer left", "peer", id)
	})
	c.OnConnectionStateChange(func(id string, st peer.ConnectionState) {
		slog.Info("peer connection", "peer", id, "state", st)
	})
	c.OnRemoteStream(func(id string, frames <-chan audio.Frame) {
		slog.Info("receiving audio", "peer", id)
		rec.track(id, frames)
	})
	c.OnError(func(err error) {
		slog.Warn("peer client error", "err", err)
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.StartLocalStream(ctx); err != nil {
		return err
	}
	if err := c.JoinRoom(ctx, opts.room); err != nil {
		return err
	}
	slog.Info("in room; press Ctrl+C to leave", "room", opts.room, "id", c.ID())

	<-ctx.Done()
	if err := c.Disconnect(); err != nil {
		slog.Warn("disconnect", "err", err)
	}
	rec.wait()
	return rec.save(opts.out)
}

// remoteRecorder accumulates mono PCM per remote peer.
type remoteRecorder struct {
	wg sync.WaitGroup

	mu    sync.Mutex
	pcm   map[string][]float32
	rates map[string]int
}

func newRemoteRecorder() *remoteRecorder {
	return &remoteRecorder{pcm: make(map[string][]float32), rates: make(map[string]int)}
}

// track drains frames in the background until the session closes them.
func (r *remoteRecorder) track(id string, frames <-chan audio.Frame) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consume(id, frames)
	}()
}

func (r *remoteRecorder) consume(id string, frames <-chan audio.Frame) {
	for f := range frames {
		mono := audio.DownmixToMono(f.Samples, f.Channels)
		r.mu.Lock()
		r.rates[id] = f.SampleRate
		if len(r.pcm[id]) < maxRemoteSeconds*f.SampleRate {
			r.pcm[id] = append(r.pcm[id], mono...)
		}
		r.mu.Unlock()
	}
}

func (r *remoteRecorder) wait() { r.wg.Wait() }

func (r *remoteRecorder) save(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pcm) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for id, samples := range r.pcm {
		name := filepath.Join(dir, "peer-"+safeName(id)+".wav")
		wav := audio.EncodeWAV(audio.EncodePCM16LE(samples), r.rates[id], 1)
		if err := os.WriteFile(name, wav, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		slog.Info("remote audio saved", "peer", id, "file", name)
	}
	return nil
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}
