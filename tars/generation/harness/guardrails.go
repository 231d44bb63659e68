package harness

import (
	"fmt"
	"regexp"
	"strings"
)

// Guardrails checks completions before they are persisted.
type Guardrails struct {
	maxOutputSize int              // bytes, 0 disables the check
	redact        bool             // mask secrets instead of passing them through
	outputFilters []*regexp.Regexp // patterns masked by SanitizeOutput
}

// NewGuardrails creates guardrails with the default secret patterns.
func NewGuardrails(maxOutputSize int, redact bool) *Guardrails {
	return &Guardrails{
		maxOutputSize: maxOutputSize,
		redact:        redact,
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
			regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
		},
	}
}

// Check validates a completion and returns the text to keep.
// A nil Guardrails only rejects empty output.
func (g *Guardrails) Check(output string) (string, error) {
	if strings.TrimSpace(output) == "" {
		return "", ErrEmptyCompletion
	}
	if g == nil {
		return output, nil
	}
	if g.maxOutputSize > 0 && len(output) > g.maxOutputSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrOutputTooLarge, len(output), g.maxOutputSize)
	}
	if g.redact {
		output = g.SanitizeOutput(output)
	}
	return output, nil
}

// SanitizeOutput masks sensitive information in output.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}
