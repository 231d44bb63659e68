package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

// PromptBuilder assembles model-ready inputs from system text and messages.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build normalizes newlines and whitespace and drops messages left empty.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, meta map[string]string) ports.PromptInput {
	out := make([]ports.PromptMessage, 0, len(messages))
	for _, m := range messages {
		m.Content = normalize(m.Content)
		if m.Content == "" {
			continue
		}
		out = append(out, m)
	}

	return ports.PromptInput{
		System:   normalize(system),
		Messages: out,
		Meta:     meta,
	}
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
