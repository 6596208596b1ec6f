package config

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrWong99/sprechstunde/internal/voicerelay"
	"github.com/MrWong99/sprechstunde/internal/voicerelay/responder"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DefaultSpeechURL is used by the built-in "speech" synthesizer when the
// entry has no URL.
const DefaultSpeechURL = "https://api.openai.com/v1/audio/speech"

// Registry maps provider names to constructors for the relay's pluggable
// backends. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	responders map[string]func(ResponderConfig) (responder.Responder, error)
	tts        map[string]func(TTSEntry) (voicerelay.Synthesizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		responders: make(map[string]func(ResponderConfig) (responder.Responder, error)),
		tts:        make(map[string]func(TTSEntry) (voicerelay.Synthesizer, error)),
	}
}

// DefaultRegistry returns a [Registry] with the built-in backends: the
// "echo" and "openai" responders and the "speech" and "speak" synthesizers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterResponder("echo", func(ResponderConfig) (responder.Responder, error) {
		return responder.Echo{}, nil
	})
	r.RegisterResponder("openai", func(c ResponderConfig) (responder.Responder, error) {
		var opts []responder.Option
		if c.BaseURL != "" {
			opts = append(opts, responder.WithBaseURL(c.BaseURL))
		}
		if c.SystemPrompt != "" {
			opts = append(opts, responder.WithSystemPrompt(c.SystemPrompt))
		}
		if c.Timeout > 0 {
			opts = append(opts, responder.WithTimeout(c.Timeout))
		}
		return responder.NewOpenAI(c.APIKey, c.Model, opts...)
	})
	r.RegisterSynthesizer("speech", func(e TTSEntry) (voicerelay.Synthesizer, error) {
		u := e.URL
		if u == "" {
			u = DefaultSpeechURL
		}
		return voicerelay.NewSpeechSynthesizer(voicerelay.SpeechConfig{
			URL:    u,
			APIKey: e.APIKey,
			Model:  e.Model,
			Voice:  e.Voice,
			Speed:  e.Speed,
			Format: e.Format,
		}, http.DefaultClient)
	})
	r.RegisterSynthesizer("speak", func(e TTSEntry) (voicerelay.Synthesizer, error) {
		return voicerelay.NewSpeakSynthesizer(voicerelay.SpeakConfig{
			URL:    e.URL,
			APIKey: e.APIKey,
			Voice:  e.Voice,
		}, http.DefaultClient)
	})
	return r
}

// RegisterResponder registers a responder factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterResponder(name string, factory func(ResponderConfig) (responder.Responder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[name] = factory
}

// RegisterSynthesizer registers a speech synthesizer factory under name.
func (r *Registry) RegisterSynthesizer(name string, factory func(TTSEntry) (voicerelay.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateResponder instantiates the responder registered under c.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateResponder(c ResponderConfig) (responder.Responder, error) {
	r.mu.RLock()
	factory, ok := r.responders[c.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: responder/%q", ErrProviderNotRegistered, c.Provider)
	}
	return factory(c)
}

// CreateSynthesizer instantiates the synthesizer registered under e.Provider.
func (r *Registry) CreateSynthesizer(e TTSEntry) (voicerelay.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.tts[e.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, e.Provider)
	}
	return factory(e)
}
