// Package fallback answers utterances no skill could handle by asking
// a chat model.
package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/fossabot/mycroft-core/internal/config"
)

// Provider errors.
var (
	// ErrNoAnswer is returned when the model produced no usable text.
	ErrNoAnswer = errors.New("fallback: no answer")

	// ErrMissingAPIKey is returned when a provider is selected without
	// credentials.
	ErrMissingAPIKey = errors.New("fallback: api key is required")

	// ErrUnknownProvider is returned for an unrecognized provider name.
	ErrUnknownProvider = errors.New("fallback: unknown provider")
)

// systemPrompt keeps answers short enough to speak aloud.
const systemPrompt = `You are the spoken-answer fallback for a voice assistant.
Answer the user's utterance in one or two short sentences of plain text.
No markdown, no lists, no preamble. If you cannot answer, say so briefly.`

// Provider turns an unhandled utterance into a spoken answer.
type Provider interface {
	// Answer returns the reply to speak. ErrNoAnswer means the provider
	// declined and the dispatcher should report intent failure.
	Answer(ctx context.Context, utterance string) (string, error)

	// Name identifies the provider in logs.
	Name() string
}

// New builds the provider selected by cfg. A nil Provider with nil
// error means LLM fallback is disabled.
func New(cfg config.FallbackConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		return newOpenAI(cfg.OpenAI)
	case "anthropic":
		return newAnthropic(cfg.Anthropic)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
