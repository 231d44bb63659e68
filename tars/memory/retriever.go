// Package memory recalls prior conversation turns for the speaking persona.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
	"github.com/ZanzyTHEbar/tars-case/tars/memory/store"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// Options controls similarity search for every partition query.
type Options struct {
	Threshold        float64
	Count            int
	IncludeDocuments bool
	// Sequential runs partition queries one at a time in partition order.
	Sequential bool
}

// Retrieval holds the logs recalled for one turn.
type Retrieval struct {
	Speaker   persona.Persona
	Own       []store.RetrievedLog // the speaker's earlier messages
	Partner   []store.RetrievedLog // the partner's earlier messages
	Documents []store.RetrievedLog // optional reference material
}

// Empty reports whether nothing was recalled from any partition.
func (r Retrieval) Empty() bool {
	return len(r.Own) == 0 && len(r.Partner) == 0 && len(r.Documents) == 0
}

// Count returns the total number of recalled logs.
func (r Retrieval) Count() int {
	return len(r.Own) + len(r.Partner) + len(r.Documents)
}

// Retriever queries the log store for messages similar to a turn's prompt.
type Retriever struct {
	store  store.LogStore
	opts   Options
	tracer ports.Tracer
}

// NewRetriever creates a retriever over the given store.
func NewRetriever(s store.LogStore, opts Options, tracer ports.Tracer) *Retriever {
	return &Retriever{store: s, opts: opts, tracer: tracer}
}

// Partitions lists the partitions queried for a speaker, TARS first.
func (r *Retriever) Partitions() []persona.Partition {
	parts := []persona.Partition{persona.PartitionTARS, persona.PartitionCASE}
	if r.opts.IncludeDocuments {
		parts = append(parts, persona.PartitionDocuments)
	}
	return parts
}

// Retrieve queries every partition, concurrently unless Sequential is set.
// Results keep partition order and are not deduplicated across partitions.
// The first failure cancels the remaining queries.
func (r *Retriever) Retrieve(ctx context.Context, speaker persona.Persona, embedding []float32) (Retrieval, error) {
	parts := r.Partitions()
	ctx, finish := r.tracer.StartSpan(ctx, "retrieve", map[string]any{
		"speaker":    speaker.String(),
		"partitions": len(parts),
	})

	results := make([][]store.RetrievedLog, len(parts))
	q := store.Query{Embedding: embedding, Threshold: r.opts.Threshold, Count: r.opts.Count}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	if r.opts.Sequential {
		p = p.WithMaxGoroutines(1)
	}
	for i, part := range parts {
		i, part := i, part
		p.Go(func(ctx context.Context) error {
			start := time.Now()
			logs, err := r.store.Match(ctx, part, q)
			if err != nil {
				return fmt.Errorf("match %s: %w", part, err)
			}
			results[i] = logs
			r.tracer.Event(ctx, "partition_matched", map[string]any{
				"partition": string(part),
				"count":     len(logs),
				"elapsed":   time.Since(start).String(),
			})
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		finish(err)
		return Retrieval{}, err
	}

	out := Retrieval{Speaker: speaker}
	for i, part := range parts {
		switch part {
		case speaker.Partition():
			out.Own = results[i]
		case speaker.Partner().Partition():
			out.Partner = results[i]
		case persona.PartitionDocuments:
			out.Documents = results[i]
		}
	}
	finish(nil)
	return out, nil
}
