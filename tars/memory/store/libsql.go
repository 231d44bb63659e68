package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// table describes how a partition maps onto the schema.
type table struct {
	name       string // quoted SQL identifier
	textColumn string
}

var libsqlTables = map[persona.Partition]table{
	persona.PartitionTARS:      {name: `tars`, textColumn: "text"},
	persona.PartitionCASE:      {name: `"case"`, textColumn: "text"},
	persona.PartitionDocuments: {name: `documents`, textColumn: "content"},
}

// LibSQL stores turns in an embedded libsql database with F32_BLOB vectors.
// When the vector SQL functions are unavailable it stores raw float32 blobs
// and scores rows in process.
type LibSQL struct {
	db        *sql.DB
	dims      int
	vectorSQL bool
	logger    zerolog.Logger
	now       func() time.Time
}

// NewLibSQL wraps an open, migrated connection.
func NewLibSQL(db *sql.DB, dims int, vectorSQL bool, logger zerolog.Logger) *LibSQL {
	return &LibSQL{
		db:        db,
		dims:      dims,
		vectorSQL: vectorSQL,
		logger:    logger.With().Str("component", "store.libsql").Logger(),
		now:       time.Now,
	}
}

// Insert appends a turn and returns its generated id.
func (s *LibSQL) Insert(ctx context.Context, partition persona.Partition, turn Turn) (string, error) {
	if err := writablePartition(partition); err != nil {
		return "", err
	}
	if err := turn.Validate(); err != nil {
		return "", err
	}
	if err := s.checkDims(turn.Embedding); err != nil {
		return "", err
	}

	id := turn.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := turn.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	tbl := libsqlTables[partition]
	value, placeholder, err := s.vectorArg(turn.Embedding)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, text, previous_message_id, self, embedding, created_at) VALUES (?, ?, ?, ?, %s, ?)",
		tbl.name, placeholder,
	)
	var prev any
	if turn.PreviousMessageID != nil {
		prev = *turn.PreviousMessageID
	}
	if _, err := s.db.ExecContext(ctx, query, id, turn.Text, prev, boolToInt(turn.Self), value, created.UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("insert into %s: %w", partition, err)
	}

	s.logger.Debug().Str("partition", string(partition)).Str("id", id).Msg("Turn persisted")
	return id, nil
}

// AddDocument stores a reference document for the documents partition.
func (s *LibSQL) AddDocument(ctx context.Context, content string, embedding []float32) (string, error) {
	if err := (Turn{Text: content, Embedding: embedding}).Validate(); err != nil {
		return "", err
	}
	if err := s.checkDims(embedding); err != nil {
		return "", err
	}
	value, placeholder, err := s.vectorArg(embedding)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	query := fmt.Sprintf("INSERT INTO documents (id, content, embedding, created_at) VALUES (?, ?, %s, ?)", placeholder)
	if _, err := s.db.ExecContext(ctx, query, id, content, value, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// Match returns rows whose cosine similarity exceeds the threshold.
func (s *LibSQL) Match(ctx context.Context, partition persona.Partition, q Query) ([]RetrievedLog, error) {
	tbl, ok := libsqlTables[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, partition)
	}
	if err := validQuery(q); err != nil {
		return nil, err
	}
	if err := s.checkDims(q.Embedding); err != nil {
		return nil, err
	}
	if q.Count <= 0 {
		return []RetrievedLog{}, nil
	}

	if !s.vectorSQL {
		return s.matchInProcess(ctx, tbl, q)
	}

	vec, err := json.Marshal(q.Embedding)
	if err != nil {
		return nil, fmt.Errorf("encode query vector: %w", err)
	}
	query := fmt.Sprintf(`SELECT content, similarity FROM (
		SELECT %s AS content, 1 - vector_distance_cos(embedding, vector32(?)) AS similarity FROM %s
	) WHERE similarity > ? ORDER BY similarity DESC LIMIT ?`, tbl.textColumn, tbl.name)

	rows, err := s.db.QueryContext(ctx, query, string(vec), q.Threshold, q.Count)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", partition, err)
	}
	defer rows.Close()

	out := make([]RetrievedLog, 0, q.Count)
	for rows.Next() {
		var l RetrievedLog
		if err := rows.Scan(&l.Content, &l.Similarity); err != nil {
			return nil, fmt.Errorf("scan %s: %w", partition, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match %s: %w", partition, err)
	}
	return out, nil
}

func (s *LibSQL) matchInProcess(ctx context.Context, tbl table, q Query) ([]RetrievedLog, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, embedding FROM %s", tbl.textColumn, tbl.name))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", tbl.name, err)
	}
	defer rows.Close()

	var out []RetrievedLog
	for rows.Next() {
		var content string
		var blob []byte
		if err := rows.Scan(&content, &blob); err != nil {
			return nil, fmt.Errorf("scan %s: %w", tbl.name, err)
		}
		if sim := Cosine(q.Embedding, decodeF32Blob(blob)); sim > q.Threshold {
			out = append(out, RetrievedLog{Content: content, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b RetrievedLog) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(out) > q.Count {
		out = out[:q.Count]
	}
	return out, nil
}

func (s *LibSQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close is a no-op; the connection belongs to the caller that opened it.
func (s *LibSQL) Close() error { return nil }

func (s *LibSQL) checkDims(vec []float32) error {
	if s.dims > 0 && len(vec) != s.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dims)
	}
	return nil
}

// vectorArg returns the bound value and SQL placeholder for an embedding.
func (s *LibSQL) vectorArg(vec []float32) (any, string, error) {
	if !s.vectorSQL {
		return encodeF32Blob(vec), "?", nil
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return nil, "", fmt.Errorf("encode vector: %w", err)
	}
	return string(raw), "vector32(?)", nil
}

// encodeF32Blob matches the little-endian layout libsql uses for F32_BLOB.
func encodeF32Blob(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeF32Blob(blob []byte) []float32 {
	n := len(blob) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ LogStore       = (*LibSQL)(nil)
	_ DocumentWriter = (*LibSQL)(nil)
)
