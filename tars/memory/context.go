package memory

import (
	"strings"

	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness"
	"github.com/ZanzyTHEbar/tars-case/tars/memory/store"
)

// ContextBuilder renders a Retrieval into the text handed to the summarizer.
type ContextBuilder struct {
	assembler *harness.ContextAssembler
}

// NewContextBuilder creates a builder; maxTokens <= 0 keeps every log.
func NewContextBuilder(maxTokens int) *ContextBuilder {
	return &ContextBuilder{
		assembler: harness.NewContextAssembler(harness.Budget{MaxContextTokens: maxTokens}, nil),
	}
}

// Build produces
//
//	Relevant context for <speaker>'s response: <own> <partner>
//
// where own lines read "You previously said: ..." and partner lines carry
// the partner's recall label. Reference documents follow when present.
func (b *ContextBuilder) Build(r Retrieval) string {
	partnerLabel := r.Speaker.Partner().RecallLabel() + " previously said: "

	snippets := make([]harness.Snippet, 0, r.Count())
	snippets = appendSnippets(snippets, r.Own, "You previously said: ", "own")
	snippets = appendSnippets(snippets, r.Partner, partnerLabel, "partner")
	snippets = appendSnippets(snippets, r.Documents, "Reference: ", "documents")
	packed := b.assembler.Pack(snippets)

	var own, partner, docs []string
	for _, sn := range packed {
		switch sn.Source {
		case "own":
			own = append(own, sn.Text)
		case "partner":
			partner = append(partner, sn.Text)
		default:
			docs = append(docs, sn.Text)
		}
	}

	var sb strings.Builder
	sb.WriteString("Relevant context for ")
	sb.WriteString(r.Speaker.String())
	sb.WriteString("'s response: ")
	sb.WriteString(strings.Join(own, " "))
	sb.WriteString(" ")
	sb.WriteString(strings.Join(partner, " "))
	if len(docs) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(docs, " "))
	}
	return sb.String()
}

func appendSnippets(dst []harness.Snippet, logs []store.RetrievedLog, prefix, source string) []harness.Snippet {
	for _, l := range logs {
		dst = append(dst, harness.Snippet{
			Text:   prefix + l.Content,
			Score:  l.Similarity,
			Source: source,
		})
	}
	return dst
}
