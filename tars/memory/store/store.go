// Package store persists conversation turns and answers similarity queries
// against them. Three backends share one contract: embedded libsql, Supabase
// and an in-process store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

var (
	// ErrInvalidTurn rejects turns with no text or no embedding.
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrDimensionMismatch rejects vectors of the wrong length for the backend.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrUnknownPartition rejects partitions the backend does not serve.
	ErrUnknownPartition = errors.New("unknown partition")
)

// Turn is one persisted conversational message. Turns are append-only.
type Turn struct {
	ID                string
	Text              string
	Embedding         []float32
	PreviousMessageID *string
	Self              bool // true when TARS authored the turn
	CreatedAt         time.Time
}

// Validate checks the invariants every persisted turn must satisfy.
func (t Turn) Validate() error {
	if strings.TrimSpace(t.Text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidTurn)
	}
	if len(t.Embedding) == 0 {
		return fmt.Errorf("%w: embedding is empty", ErrInvalidTurn)
	}
	return nil
}

// RetrievedLog is a prior message returned by a similarity query.
type RetrievedLog struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Query parameterizes a similarity search.
type Query struct {
	Embedding []float32
	Threshold float64 // strict lower bound on cosine similarity
	Count     int     // maximum rows returned
}

// LogStore is the persistence and retrieval contract for conversation logs.
type LogStore interface {
	// Insert appends a turn to the persona partition and returns its id.
	Insert(ctx context.Context, partition persona.Partition, turn Turn) (string, error)
	// Match returns logs above the threshold ordered by descending similarity.
	Match(ctx context.Context, partition persona.Partition, q Query) ([]RetrievedLog, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// DocumentWriter is implemented by backends that can hold reference documents
// in the documents partition.
type DocumentWriter interface {
	AddDocument(ctx context.Context, content string, embedding []float32) (string, error)
}

func writablePartition(p persona.Partition) error {
	if p != persona.PartitionTARS && p != persona.PartitionCASE {
		return fmt.Errorf("%w: %q is read-only or unknown", ErrUnknownPartition, p)
	}
	return nil
}

func validQuery(q Query) error {
	if len(q.Embedding) == 0 {
		return fmt.Errorf("%w: query embedding is empty", ErrInvalidTurn)
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 for mismatched or
// zero-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	x := toFloat64(a)
	y := toFloat64(b)
	na := floats.Norm(x, 2)
	nb := floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(x, y) / (na * nb)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
