package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

type memoryRow struct {
	id        string
	content   string
	embedding []float32
	turn      Turn
}

// Memory is an in-process append-only LogStore for tests and dry runs.
type Memory struct {
	mu   sync.RWMutex
	rows map[persona.Partition][]memoryRow
	now  func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		rows: make(map[persona.Partition][]memoryRow),
		now:  time.Now,
	}
}

// Insert appends a copy of turn to the partition.
func (m *Memory) Insert(ctx context.Context, partition persona.Partition, turn Turn) (string, error) {
	if err := writablePartition(partition); err != nil {
		return "", err
	}
	if err := turn.Validate(); err != nil {
		return "", err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = m.now().UTC()
	}
	turn.Embedding = slices.Clone(turn.Embedding)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[partition] = append(m.rows[partition], memoryRow{
		id:        turn.ID,
		content:   turn.Text,
		embedding: turn.Embedding,
		turn:      turn,
	})
	return turn.ID, nil
}

// AddDocument stores a reference document for the documents partition.
func (m *Memory) AddDocument(ctx context.Context, content string, embedding []float32) (string, error) {
	if err := (Turn{Text: content, Embedding: embedding}).Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[persona.PartitionDocuments] = append(m.rows[persona.PartitionDocuments], memoryRow{
		id:        id,
		content:   content,
		embedding: slices.Clone(embedding),
	})
	return id, nil
}

// Match scans the partition with cosine similarity.
func (m *Memory) Match(ctx context.Context, partition persona.Partition, q Query) ([]RetrievedLog, error) {
	if err := validQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	rows := m.rows[partition]
	out := make([]RetrievedLog, 0, min(len(rows), max(q.Count, 0)))
	for _, r := range rows {
		if sim := Cosine(q.Embedding, r.embedding); sim > q.Threshold {
			out = append(out, RetrievedLog{Content: r.content, Similarity: sim})
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b RetrievedLog) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if q.Count >= 0 && len(out) > q.Count {
		out = out[:q.Count]
	}
	return out, nil
}

// Turns returns a copy of every turn in the partition in insertion order.
func (m *Memory) Turns(partition persona.Partition) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Turn, 0, len(m.rows[partition]))
	for _, r := range m.rows[partition] {
		out = append(out, r.turn)
	}
	return out
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

var (
	_ LogStore       = (*Memory)(nil)
	_ DocumentWriter = (*Memory)(nil)
)
