// Package responder produces the assistant's reply to a spoken turn.
//
// The voice relay treats reply generation as opaque: it hands a
// [Responder] the conversation so far and sends back whatever text it
// returns. [Echo] needs no credentials and is the default; [OpenAI] calls a
// chat-completion endpoint.
package responder

import (
	"context"
	"errors"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoUserTurn is returned when the history holds nothing to answer.
var ErrNoUserTurn = errors.New("responder: history has no user turn")

// Turn is one utterance in a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Responder generates the next assistant turn. history ends with the user
// turn being answered. Implementations must be safe for concurrent use.
type Responder interface {
	Respond(ctx context.Context, history []Turn) (string, error)
}

// Echo answers every turn with the user's own words.
type Echo struct{}

var _ Responder = Echo{}

// Respond returns the text of the most recent user turn.
func (Echo) Respond(_ context.Context, history []Turn) (string, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Text, nil
		}
	}
	return "", ErrNoUserTurn
}

// DefaultSystemPrompt is used by [OpenAI] when no prompt is configured.
const DefaultSystemPrompt = `You are a friendly, patient German tutor.
Hold a natural spoken conversation in German and keep replies short.
When the user makes a mistake, correct it gently and give an example.`
