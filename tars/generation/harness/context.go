package harness

import "strings"

// Snippet is a retrieved chunk with a score and token estimate.
type Snippet struct {
	Text       string
	Score      float64 // higher is better
	TokenCount int
	Source     string // optional provenance
}

// Budget specifies how much retrieved context may be packed.
// Zero values mean unbounded.
type Budget struct {
	MaxContextTokens int
	MaxSnippets      int
}

// ContextAssembler packs snippets within a token budget.
type ContextAssembler struct {
	budget Budget
	// TokenEstimator should be a fast heuristic; no tokenizer is bound here.
	TokenEstimator func(s string) int
}

func NewContextAssembler(b Budget, est func(s string) int) *ContextAssembler {
	if est == nil {
		est = EstimateTokens
	}
	return &ContextAssembler{budget: b, TokenEstimator: est}
}

// EstimateTokens is a rough heuristic of ~4 characters per token.
func EstimateTokens(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

// Pack keeps snippets in their given order and skips any that no longer fit
// the remaining budget.
func (a *ContextAssembler) Pack(snippets []Snippet) []Snippet {
	if len(snippets) == 0 {
		return nil
	}

	unboundedTokens := a.budget.MaxContextTokens <= 0
	remaining := a.budget.MaxContextTokens
	packed := make([]Snippet, 0, len(snippets))

	for _, sn := range snippets {
		if a.budget.MaxSnippets > 0 && len(packed) >= a.budget.MaxSnippets {
			break
		}
		sn.Text = strings.TrimSpace(strings.ReplaceAll(sn.Text, "\r\n", "\n"))
		if sn.TokenCount <= 0 {
			sn.TokenCount = a.TokenEstimator(sn.Text)
		}
		if !unboundedTokens {
			if sn.TokenCount > remaining {
				continue
			}
			remaining -= sn.TokenCount
		}
		packed = append(packed, sn)
	}
	return packed
}
