// Package voice produces free-form persona lines, either from a remote model
// or from the offline quote bank. A Generator never fails: any error turns
// into an offline line.
package voice

import (
	"context"
	"os"

	"go.uber.org/zap"

	"innervoice/internal/config"
	"innervoice/internal/domain"
	"innervoice/internal/narrator"
)

// Request describes what the persona is reacting to.
type Request struct {
	Persona domain.Persona
	Action  string
	Details string
	Balance domain.Money
}

type Generator interface {
	Generate(ctx context.Context, req Request) string
}

// Offline draws a line from the quote bank. The zero value uses the
// built-in quotes and a random picker.
type Offline struct {
	Quotes narrator.QuoteBank
	Pick   narrator.Picker
}

func (o Offline) Generate(_ context.Context, req Request) string {
	quotes, pick := o.Quotes, o.Pick
	if quotes == nil {
		quotes = narrator.DefaultQuotes()
	}
	if pick == nil {
		pick = narrator.DefaultPicker()
	}
	reactions := narrator.Resolve(domain.TriggerAppOpen, req.Persona, nil, quotes, pick)
	return reactions[0].Text
}

// New picks the generator configured for the workspace. The gemini backend
// degrades to offline when its API key is missing or the client cannot be
// built.
func New(ctx context.Context, cfg *config.Config, offline Offline, log *zap.Logger) Generator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil || cfg.Voice.Backend != config.VoiceGemini {
		return offline
	}
	key := os.Getenv(cfg.Voice.APIKeyEnv)
	if key == "" {
		log.Warn("no api key for gemini backend, using offline quotes", zap.String("env", cfg.Voice.APIKeyEnv))
		return offline
	}
	g, err := NewGemini(ctx, key, GeminiOptions{
		Model:           cfg.Voice.Model,
		Temperature:     cfg.Voice.Temperature,
		MaxOutputTokens: cfg.Voice.MaxOutputTokens,
	}, offline, log)
	if err != nil {
		log.Warn("gemini client unavailable, using offline quotes", zap.Error(err))
		return offline
	}
	return g
}
