package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ZanzyTHEbar/tars-case/tars/db"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

const testDims = 1536

// basis returns a unit vector along axis i.
func basis(i int) []float32 {
	v := make([]float32, testDims)
	v[i] = 1
	return v
}

// blend returns the normalized sum of two basis vectors.
func blend(i, j int) []float32 {
	v := make([]float32, testDims)
	v[i] = float32(1 / math.Sqrt2)
	v[j] = float32(1 / math.Sqrt2)
	return v
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestTurnValidate(t *testing.T) {
	assert.ErrorIs(t, Turn{Text: " ", Embedding: []float32{1}}.Validate(), ErrInvalidTurn)
	assert.ErrorIs(t, Turn{Text: "hi"}.Validate(), ErrInvalidTurn)
	assert.NoError(t, Turn{Text: "hi", Embedding: []float32{1}}.Validate())
}

// LogStoreSuite runs the shared contract against every local backend.
type LogStoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) LogStore
	store    LogStore
}

func (s *LogStoreSuite) SetupTest() {
	s.store = s.newStore(s.T())
}

func (s *LogStoreSuite) TearDownTest() {
	_ = s.store.Close()
}

func (s *LogStoreSuite) seed() {
	ctx := context.Background()
	for _, turn := range []Turn{
		{Text: "exact", Embedding: basis(0), Self: true},
		{Text: "halfway", Embedding: blend(0, 1), Self: true},
		{Text: "orthogonal", Embedding: basis(1), Self: true},
	} {
		_, err := s.store.Insert(ctx, persona.PartitionTARS, turn)
		s.Require().NoError(err)
	}
}

func (s *LogStoreSuite) TestMatchAppliesThresholdAndOrder() {
	s.seed()
	ctx := context.Background()

	logs, err := s.store.Match(ctx, persona.PartitionTARS, Query{Embedding: basis(0), Threshold: 0.78, Count: 5})
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal("exact", logs[0].Content)
	s.InDelta(1.0, logs[0].Similarity, 1e-4)

	logs, err = s.store.Match(ctx, persona.PartitionTARS, Query{Embedding: basis(0), Threshold: 0.5, Count: 5})
	s.Require().NoError(err)
	s.Require().Len(logs, 2)
	s.Equal("exact", logs[0].Content)
	s.Equal("halfway", logs[1].Content)
	s.GreaterOrEqual(logs[0].Similarity, logs[1].Similarity)
}

func (s *LogStoreSuite) TestMatchRespectsCount() {
	s.seed()
	logs, err := s.store.Match(context.Background(), persona.PartitionTARS, Query{Embedding: basis(0), Threshold: 0, Count: 1})
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal("exact", logs[0].Content)
}

func (s *LogStoreSuite) TestPartitionsAreIsolated() {
	s.seed()
	logs, err := s.store.Match(context.Background(), persona.PartitionCASE, Query{Embedding: basis(0), Threshold: 0, Count: 5})
	s.Require().NoError(err)
	s.Empty(logs)
}

func (s *LogStoreSuite) TestInsertRejectsInvalidTurns() {
	ctx := context.Background()
	_, err := s.store.Insert(ctx, persona.PartitionCASE, Turn{Text: "", Embedding: basis(0)})
	s.ErrorIs(err, ErrInvalidTurn)

	_, err = s.store.Insert(ctx, persona.PartitionCASE, Turn{Text: "no vector"})
	s.ErrorIs(err, ErrInvalidTurn)

	_, err = s.store.Insert(ctx, persona.PartitionDocuments, Turn{Text: "doc", Embedding: basis(0)})
	s.ErrorIs(err, ErrUnknownPartition)
}

func (s *LogStoreSuite) TestInsertReturnsDistinctIDs() {
	ctx := context.Background()
	prev := "seed-id"
	a, err := s.store.Insert(ctx, persona.PartitionCASE, Turn{Text: "one", Embedding: basis(2), PreviousMessageID: &prev})
	s.Require().NoError(err)
	b, err := s.store.Insert(ctx, persona.PartitionCASE, Turn{Text: "two", Embedding: basis(3)})
	s.Require().NoError(err)
	s.NotEmpty(a)
	s.NotEqual(a, b)
}

func (s *LogStoreSuite) TestDocuments() {
	w, ok := s.store.(DocumentWriter)
	s.Require().True(ok)
	_, err := w.AddDocument(context.Background(), "reference material", basis(4))
	s.Require().NoError(err)

	logs, err := s.store.Match(context.Background(), persona.PartitionDocuments, Query{Embedding: basis(4), Threshold: 0.78, Count: 5})
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal("reference material", logs[0].Content)
}

func (s *LogStoreSuite) TestPing() {
	s.NoError(s.store.Ping(context.Background()))
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &LogStoreSuite{newStore: func(t *testing.T) LogStore { return NewMemory() }})
}

func openLibSQL(t *testing.T, forceInProcess bool) LogStore {
	t.Helper()
	ctx := context.Background()
	conn, caps, err := db.Open(ctx, db.Options{Path: filepath.Join(t.TempDir(), "store.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn, zerolog.Nop()))

	vectorSQL := caps.VectorSearch() && !forceInProcess
	return NewLibSQL(conn, db.EmbeddingDims(ctx, conn, "tars"), vectorSQL, zerolog.Nop())
}

func TestLibSQLStore(t *testing.T) {
	suite.Run(t, &LogStoreSuite{newStore: func(t *testing.T) LogStore { return openLibSQL(t, false) }})
}

func TestLibSQLStoreInProcessScoring(t *testing.T) {
	suite.Run(t, &LogStoreSuite{newStore: func(t *testing.T) LogStore { return openLibSQL(t, true) }})
}

func TestLibSQLRejectsWrongDimensions(t *testing.T) {
	s := openLibSQL(t, false)
	_, err := s.Insert(context.Background(), persona.PartitionTARS, Turn{Text: "short", Embedding: []float32{1, 2, 3}})
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	_, err = s.Match(context.Background(), persona.PartitionTARS, Query{Embedding: []float32{1}, Count: 5})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestF32BlobCodec(t *testing.T) {
	in := []float32{0.5, -2, 1e-3}
	assert.Equal(t, in, decodeF32Blob(encodeF32Blob(in)))
}
