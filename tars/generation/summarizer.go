package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness"
	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

// SummarizerPrompt is the fixed system prompt for context summaries.
const SummarizerPrompt = "Assume the role of a summarizer. You are helping develop a plan to create Artificial General Intelligence. You will be given context from previous conversations. You will be expected to summarize the context and include the most important aspects of the context."

// Summarizer condenses recalled context into a short paragraph.
type Summarizer struct {
	provider ports.Provider
	builder  *harness.PromptBuilder
	opts     ports.Options
	logger   zerolog.Logger
}

// NewSummarizer creates a summarizer that calls provider with opts.
func NewSummarizer(provider ports.Provider, opts ports.Options, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		provider: provider,
		builder:  harness.NewPromptBuilder(),
		opts:     opts,
		logger:   logger.With().Str("component", "summarizer").Logger(),
	}
}

// Summarize issues exactly one completion call for non-empty input.
func (s *Summarizer) Summarize(ctx context.Context, contextText string) (string, error) {
	if strings.TrimSpace(contextText) == "" {
		return "", fmt.Errorf("summarize: %w", harness.ErrEmptyText)
	}

	input := s.builder.Build(SummarizerPrompt, []ports.PromptMessage{
		{Role: "user", Name: userSpeaker, Content: contextText},
	}, map[string]string{"system_name": systemSpeaker})

	s.logger.Debug().Str("preview", preview(contextText)).Msg("Summarizing context")
	completion, err := s.provider.Complete(ctx, input, s.opts)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if strings.TrimSpace(completion.Text) == "" {
		return "", fmt.Errorf("summarize: %w", harness.ErrEmptyCompletion)
	}
	return completion.Text, nil
}
