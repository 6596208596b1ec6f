package voicerelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sprechstunde/internal/observe"
	"github.com/MrWong99/sprechstunde/internal/voicerelay/responder"
)

// session relays one browser connection.
type session struct {
	id      string
	proxy   *Proxy
	client  *websocket.Conn
	backend *websocket.Conn
	history *History
	turns   chan string
	cancel  context.CancelCauseFunc
	log     *slog.Logger
}

func (s *session) run(ctx context.Context) {
	p := s.proxy

	backend, err := p.dialBackend(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Info("voicerelay: session ended before backend connected", "cause", context.Cause(ctx))
		if errors.Is(context.Cause(ctx), ErrShuttingDown) {
			_ = s.client.Close(websocket.StatusGoingAway, "server shutting down")
		} else {
			_ = s.client.CloseNow()
		}
		return
	}
	if err != nil {
		s.log.Error("voicerelay: backend unavailable", "err", err)
		p.metrics.RecordBackendError(ctx, StageDial)
		_ = s.send(ctx, outbound{Type: TypeError, Message: backendFailed})
		_ = s.client.Close(websocket.StatusInternalError, "speech backend unavailable")
		return
	}
	s.backend = backend

	// Reads use a background context: cancelling a coder/websocket read
	// tears the connection down without a close frame. teardown closes both
	// connections instead, which unblocks the readers.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.forwardAudio(gctx) })
	g.Go(func() error { return s.readBackend(gctx) })
	g.Go(func() error { return s.processTurns(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.teardown(context.Cause(gctx))
		return nil
	})
	err = g.Wait()
	s.log.Debug("voicerelay: session loops stopped", "cause", err)
}

func (s *session) teardown(cause error) {
	code, reason := websocket.StatusNormalClosure, ""
	switch {
	case errors.Is(cause, errBackendClosed):
		code, reason = websocket.StatusInternalError, "speech backend closed"
	case errors.Is(cause, ErrShuttingDown):
		code, reason = websocket.StatusGoingAway, "server shutting down"
	}

	if !errors.Is(cause, errBackendClosed) {
		wctx, cancel := context.WithTimeout(context.Background(), s.proxy.cfg.WriteTimeout)
		_ = s.backend.Write(wctx, websocket.MessageText, []byte(closeStream))
		cancel()
	}

	// Each Close waits for the peer's close frame; do both at once.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.client.Close(code, reason)
	}()
	go func() {
		defer wg.Done()
		_ = s.backend.Close(websocket.StatusNormalClosure, "")
	}()
	wg.Wait()
}

// forwardAudio copies browser frames to the backend verbatim.
func (s *session) forwardAudio(ctx context.Context) error {
	for {
		typ, data, err := s.client.Read(context.Background())
		if err != nil {
			return fmt.Errorf("%w: %w", errClientGone, err)
		}
		wctx, cancel := context.WithTimeout(ctx, s.proxy.cfg.WriteTimeout)
		err = s.backend.Write(wctx, typ, data)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("voicerelay: backend not writable, frame dropped", "err", err)
			s.proxy.metrics.RecordBackendError(ctx, StageForward)
			return fmt.Errorf("%w: %w", errBackendClosed, err)
		}
	}
}

// readBackend queues every final transcript for processTurns.
func (s *session) readBackend(ctx context.Context) error {
	for {
		_, data, err := s.backend.Read(context.Background())
		if err != nil {
			return fmt.Errorf("%w: %w", errBackendClosed, err)
		}
		text, ok := finalTranscript(data)
		if !ok {
			continue
		}
		s.log.Debug("voicerelay: final transcript", "text", text)
		select {
		case s.turns <- text:
		case <-ctx.Done():
			return nil
		}
	}
}

// processTurns answers transcripts one at a time so the history stays in
// conversation order.
func (s *session) processTurns(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.turns:
			if err := s.handleTurn(ctx, text); err != nil {
				return fmt.Errorf("%w: %w", errClientGone, err)
			}
		}
	}
}

// handleTurn runs one user turn. Only a failed write to the browser is
// returned; backend failures are reported to the browser.
func (s *session) handleTurn(ctx context.Context, transcript string) error {
	p := s.proxy
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "voicerelay.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session", s.id))
	log := observe.WithTrace(ctx, s.log)
	defer func() {
		p.metrics.RelayTurnDuration.Record(ctx, time.Since(start).Seconds())
	}()

	s.history.Append(responder.RoleUser, transcript)
	if err := s.send(ctx, outbound{Type: TypeUserTranscript, Text: transcript}); err != nil {
		return err
	}

	reply, err := p.responder.Respond(ctx, s.history.Window())
	if err != nil {
		log.Error("voicerelay: reply failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "respond")
		p.metrics.RecordBackendError(ctx, StageRespond)
		return s.send(ctx, outbound{Type: TypeError, Message: replyFailed})
	}

	s.history.Append(responder.RoleAssistant, reply)
	if err := s.send(ctx, outbound{Type: TypeAIResponseText, Text: reply}); err != nil {
		return err
	}

	if p.synth == nil {
		return nil
	}
	audio, err := p.synth.Synthesize(ctx, reply)
	if err != nil {
		log.Error("voicerelay: synthesis failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesize")
		p.metrics.RecordBackendError(ctx, StageSynthesize)
		return s.send(ctx, outbound{Type: TypeError, Message: replyFailed})
	}
	defer audio.Close()
	return s.streamAudio(ctx, audio)
}

// streamAudio sends the synthesised reply as binary frames.
func (s *session) streamAudio(ctx context.Context, audio io.Reader) error {
	buf := make([]byte, audioChunk)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			wctx, cancel := context.WithTimeout(ctx, s.proxy.cfg.WriteTimeout)
			werr := s.client.Write(wctx, websocket.MessageBinary, buf[:n])
			cancel()
			if werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.log.Warn("voicerelay: synthesis stream broke off", "err", err)
			s.proxy.metrics.RecordBackendError(ctx, StageSynthesize)
			return nil
		}
	}
}

func (s *session) send(ctx context.Context, msg outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.proxy.cfg.WriteTimeout)
	defer cancel()
	return s.client.Write(wctx, websocket.MessageText, b)
}
