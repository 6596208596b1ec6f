package responder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI generates replies with the chat-completion API. Any
// OpenAI-compatible server works when a base URL is set.
type OpenAI struct {
	client       oai.Client
	model        string
	systemPrompt string
}

var _ Responder = (*OpenAI)(nil)

type openAIConfig struct {
	baseURL      string
	systemPrompt string
	timeout      time.Duration
}

// Option configures an [OpenAI] responder.
type Option func(*openAIConfig)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(prompt string) Option {
	return func(c *openAIConfig) { c.systemPrompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *openAIConfig) { c.timeout = d }
}

// NewOpenAI creates an [OpenAI] responder.
func NewOpenAI(apiKey, model string, opts ...Option) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("responder: openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("responder: openai: model must not be empty")
	}

	cfg := openAIConfig{systemPrompt: DefaultSystemPrompt}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &OpenAI{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: cfg.systemPrompt,
	}, nil
}

// Respond implements [Responder].
func (o *OpenAI) Respond(ctx context.Context, history []Turn) (string, error) {
	messages, err := o.buildMessages(history)
	if err != nil {
		return "", err
	}
	resp, err := o.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(o.model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("responder: openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("responder: openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) buildMessages(history []Turn) ([]oai.ChatCompletionMessageParamUnion, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if o.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(o.systemPrompt))
	}
	for _, t := range history {
		switch t.Role {
		case RoleUser:
			messages = append(messages, oai.UserMessage(t.Text))
		case RoleAssistant:
			messages = append(messages, oai.AssistantMessage(t.Text))
		default:
			return nil, fmt.Errorf("responder: openai: unknown role %q", t.Role)
		}
	}
	return messages, nil
}
