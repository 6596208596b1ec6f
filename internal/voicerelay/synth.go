package voicerelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/sprechstunde/internal/resilience"
)

// Synthesizer turns reply text into encoded audio. The caller closes the
// returned reader.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Synthesis endpoint defaults.
const (
	DefaultSpeechModel  = "gpt-4o-mini-tts"
	DefaultSpeechVoice  = "alloy"
	DefaultSpeechFormat = "mp3"
	DefaultSpeakURL     = "https://api.deepgram.com/v1/speak"
	DefaultSpeakVoice   = "aura-arcas-de"
)

// SpeechConfig configures a [SpeechSynthesizer].
type SpeechConfig struct {
	// URL is the full speech endpoint, e.g. https://api.openai.com/v1/audio/speech.
	URL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	Model  string
	Voice  string
	Speed  float64
	Format string
}

// SpeechSynthesizer calls an OpenAI-compatible /v1/audio/speech endpoint.
type SpeechSynthesizer struct {
	cfg    SpeechConfig
	client *http.Client
}

var _ Synthesizer = (*SpeechSynthesizer)(nil)

// NewSpeechSynthesizer creates a [SpeechSynthesizer]. A nil client uses
// [http.DefaultClient].
func NewSpeechSynthesizer(cfg SpeechConfig, client *http.Client) (*SpeechSynthesizer, error) {
	if cfg.URL == "" {
		return nil, errors.New("voicerelay: speech: URL must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultSpeechModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultSpeechVoice
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1.0
	}
	if cfg.Format == "" {
		cfg.Format = DefaultSpeechFormat
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SpeechSynthesizer{cfg: cfg, client: client}, nil
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

// Synthesize implements [Synthesizer].
func (s *SpeechSynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	body, _ := json.Marshal(speechRequest{
		Model:          s.cfg.Model,
		Input:          text,
		Voice:          s.cfg.Voice,
		Speed:          s.cfg.Speed,
		ResponseFormat: s.cfg.Format,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voicerelay: speech: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	return do(s.client, req, "speech")
}

// SpeakConfig configures a [SpeakSynthesizer].
type SpeakConfig struct {
	// URL defaults to [DefaultSpeakURL].
	URL string

	// APIKey is required and sent as "Authorization: Token <key>".
	APIKey string

	// Voice is the model name, e.g. aura-arcas-de.
	Voice string
}

// SpeakSynthesizer calls a Deepgram-compatible /v1/speak endpoint and
// receives 16-bit linear PCM in a WAV container.
type SpeakSynthesizer struct {
	cfg    SpeakConfig
	client *http.Client
}

var _ Synthesizer = (*SpeakSynthesizer)(nil)

// NewSpeakSynthesizer creates a [SpeakSynthesizer]. A nil client uses
// [http.DefaultClient].
func NewSpeakSynthesizer(cfg SpeakConfig, client *http.Client) (*SpeakSynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("voicerelay: speak: apiKey must not be empty")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultSpeakURL
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultSpeakVoice
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SpeakSynthesizer{cfg: cfg, client: client}, nil
}

// Synthesize implements [Synthesizer].
func (s *SpeakSynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("voicerelay: speak: parse URL: %w", err)
	}
	q := u.Query()
	q.Set("model", s.cfg.Voice)
	q.Set("encoding", "linear16")
	q.Set("container", "wav")
	u.RawQuery = q.Encode()

	body, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voicerelay: speak: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+s.cfg.APIKey)
	return do(s.client, req, "speak")
}

func do(client *http.Client, req *http.Request, name string) (io.ReadCloser, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicerelay: %s: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("voicerelay: %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

// FallbackSynthesizer tries each synthesizer of a group in order, skipping
// those whose breaker is open.
type FallbackSynthesizer struct {
	group *resilience.FallbackGroup[Synthesizer]
}

var _ Synthesizer = (*FallbackSynthesizer)(nil)

// NewFallbackSynthesizer wraps group.
func NewFallbackSynthesizer(group *resilience.FallbackGroup[Synthesizer]) *FallbackSynthesizer {
	return &FallbackSynthesizer{group: group}
}

// Synthesize implements [Synthesizer].
func (f *FallbackSynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	return resilience.ExecuteWithResult(ctx, f.group, func(s Synthesizer) (io.ReadCloser, error) {
		return s.Synthesize(ctx, text)
	})
}

// Ready reports an error when every synthesizer is unavailable.
func (f *FallbackSynthesizer) Ready(ctx context.Context) error {
	return f.group.Ready(ctx)
}
