// Package generation produces persona replies and context summaries through
// the chat completion provider.
package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness"
	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

const (
	// speaker names sent alongside each message
	systemSpeaker = "system"
	userSpeaker   = "user"
)

// OptionsFromConfig maps the llm section onto provider options. The summary
// model falls back to the main model when unset.
func OptionsFromConfig(cfg config.LLMConfig) (reply, summary ports.Options) {
	reply = ports.Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	summary = reply
	if cfg.SummaryModel != "" {
		summary.Model = cfg.SummaryModel
	}
	return reply, summary
}

// ResponseGenerator produces one persona reply per call.
type ResponseGenerator struct {
	provider   ports.Provider
	builder    *harness.PromptBuilder
	guardrails *harness.Guardrails
	profile    *persona.ProfileHolder
	opts       ports.Options
	logger     zerolog.Logger
}

// NewResponseGenerator creates a generator. guardrails may be nil.
func NewResponseGenerator(
	provider ports.Provider,
	guardrails *harness.Guardrails,
	profile *persona.ProfileHolder,
	opts ports.Options,
	logger zerolog.Logger,
) *ResponseGenerator {
	return &ResponseGenerator{
		provider:   provider,
		builder:    harness.NewPromptBuilder(),
		guardrails: guardrails,
		profile:    profile,
		opts:       opts,
		logger:     logger.With().Str("component", "generator").Logger(),
	}
}

// Generate asks the persona to answer prior. The summary is sent as a second
// user message when non-empty.
func (g *ResponseGenerator) Generate(ctx context.Context, p persona.Persona, prior, summary string) (string, error) {
	if strings.TrimSpace(prior) == "" {
		return "", fmt.Errorf("%s prior response: %w", p, harness.ErrEmptyText)
	}

	system, err := p.SystemPrompt(g.profile.Load())
	if err != nil {
		return "", err
	}

	messages := []ports.PromptMessage{{Role: "user", Name: userSpeaker, Content: prior}}
	if strings.TrimSpace(summary) != "" {
		messages = append(messages, ports.PromptMessage{Role: "user", Name: userSpeaker, Content: summary})
	}
	input := g.builder.Build(system, messages, map[string]string{
		"system_name": systemSpeaker,
		"persona":     p.String(),
	})

	g.logger.Debug().Str("persona", p.String()).Int("messages", len(input.Messages)+1).Msg("Requesting response")
	completion, err := g.provider.Complete(ctx, input, g.opts)
	if err != nil {
		return "", fmt.Errorf("generate %s response: %w", p, err)
	}

	text, err := g.guardrails.Check(completion.Text)
	if err != nil {
		return "", fmt.Errorf("generate %s response: %w", p, err)
	}

	g.logger.Debug().Str("persona", p.String()).Str("preview", preview(text)).Msg("Generated response")
	return text, nil
}

func preview(s string) string {
	const n = 100
	if len(s) <= n {
		return s
	}
	return s[:n]
}
