package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/generation"
	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness"
	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
	"github.com/ZanzyTHEbar/tars-case/tars/memory/store"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// scriptedBackend answers summaries and replies and records every call.
type scriptedBackend struct {
	mu        sync.Mutex
	summaries []ports.PromptInput
	replies   []ports.PromptInput
	embeds    []string

	replyErr func(n int) error
	embedErr func(n int) error
	reply    func(n int) string
	block    bool
}

func (b *scriptedBackend) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if b.block {
		<-ctx.Done()
		return ports.Completion{}, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if in.System == generation.SummarizerPrompt {
		b.summaries = append(b.summaries, in)
		return ports.Completion{Text: fmt.Sprintf("summary %d", len(b.summaries))}, nil
	}
	b.replies = append(b.replies, in)
	n := len(b.replies)
	if b.replyErr != nil {
		if err := b.replyErr(n); err != nil {
			return ports.Completion{}, err
		}
	}
	if b.reply != nil {
		return ports.Completion{Text: b.reply(n)}, nil
	}
	return ports.Completion{Text: fmt.Sprintf("reply %d", n)}, nil
}

func (b *scriptedBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.embeds = append(b.embeds, text)
	if b.embedErr != nil {
		if err := b.embedErr(len(b.embeds)); err != nil {
			return nil, err
		}
	}
	return []float32{1, 0, 0}, nil
}

func (b *scriptedBackend) counts() (summaries, replies, embeds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.summaries), len(b.replies), len(b.embeds)
}

// countingStore wraps the in-memory store and counts calls.
type countingStore struct {
	*store.Memory
	mu        sync.Mutex
	matches   int
	inserts   int
	insertErr error
}

func (s *countingStore) Match(ctx context.Context, p persona.Partition, q store.Query) ([]store.RetrievedLog, error) {
	s.mu.Lock()
	s.matches++
	s.mu.Unlock()
	return s.Memory.Match(ctx, p, q)
}

func (s *countingStore) Insert(ctx context.Context, p persona.Partition, t store.Turn) (string, error) {
	s.mu.Lock()
	s.inserts++
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.Memory.Insert(ctx, p, t)
}

func (s *countingStore) counts() (matches, inserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches, s.inserts
}

func testConfig() *config.Config {
	return &config.Config{
		LLM:       config.LLMConfig{Model: "gpt-4-1106-preview", MaxTokens: 4096, Temperature: 0.7},
		Embedding: config.EmbeddingConfig{Model: "text-embedding-ada-002", Dims: 3},
		Conversation: config.ConversationConfig{
			MatchThreshold: 0.78,
			MatchCount:     5,
			SeedPrompt:     "Let's begin.",
			Specialties:    "robotics",
			Task:           "a plan",
		},
	}
}

func newPipeline(t *testing.T, backend *scriptedBackend) (*Services, *countingStore) {
	t.Helper()
	s := &countingStore{Memory: store.NewMemory()}
	return Build(testConfig(), backend, s, Observers{}, zerolog.Nop()), s
}

func seedState(text string) State {
	return State{Persona: persona.TARS, Prior: text, Embedding: []float32{1, 0, 0}, Turn: 1}
}

func TestStep_CallCountsPerTurn(t *testing.T) {
	backend := &scriptedBackend{}
	svc, s := newPipeline(t, backend)
	ctx := context.Background()

	next, err := svc.Orchestrator.Step(ctx, seedState("hello"))
	require.NoError(t, err)

	summaries, replies, embeds := backend.counts()
	matches, inserts := s.counts()
	assert.Equal(t, 1, embeds)
	assert.Equal(t, 2, matches)
	assert.Equal(t, 0, summaries, "nothing to summarize on an empty store")
	assert.Equal(t, 1, replies)
	assert.Equal(t, 1, inserts)

	_, err = svc.Orchestrator.Step(ctx, next)
	require.NoError(t, err)

	summaries, replies, embeds = backend.counts()
	matches, inserts = s.counts()
	assert.Equal(t, 2, embeds)
	assert.Equal(t, 4, matches)
	assert.Equal(t, 1, summaries)
	assert.Equal(t, 2, replies)
	assert.Equal(t, 2, inserts)
}

func TestStep_TransitionsToPartner(t *testing.T) {
	backend := &scriptedBackend{}
	svc, _ := newPipeline(t, backend)

	next, err := svc.Orchestrator.Step(context.Background(), seedState("hello"))
	require.NoError(t, err)
	assert.Equal(t, persona.CASE, next.Persona)
	assert.Equal(t, "AwaitingCaseTurn", next.Name())
	assert.Equal(t, "reply 1", next.Prior)
	assert.Equal(t, []float32{1, 0, 0}, next.Embedding)
	assert.Equal(t, 2, next.Turn)
	assert.Nil(t, next.PreviousMessageID)
}

func TestStep_EmptyRetrievalUsesPriorVerbatim(t *testing.T) {
	backend := &scriptedBackend{}
	svc, _ := newPipeline(t, backend)

	_, err := svc.Orchestrator.Step(context.Background(), seedState("the seed prompt"))
	require.NoError(t, err)

	require.Len(t, backend.replies, 1)
	msgs := backend.replies[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "the seed prompt", msgs[0].Content)
	assert.Equal(t, "the seed prompt", msgs[1].Content)
	assert.Empty(t, backend.summaries)
}

func TestStep_SummaryFollowsPrior(t *testing.T) {
	backend := &scriptedBackend{}
	svc, _ := newPipeline(t, backend)
	ctx := context.Background()

	next, err := svc.Orchestrator.Step(ctx, seedState("hello"))
	require.NoError(t, err)
	_, err = svc.Orchestrator.Step(ctx, next)
	require.NoError(t, err)

	require.Len(t, backend.summaries, 1)
	assert.Contains(t, backend.summaries[0].Messages[0].Content, "Relevant context for CASE's response:")
	assert.Contains(t, backend.summaries[0].Messages[0].Content, "TARS previously said: reply 1")

	msgs := backend.replies[1].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "reply 1", msgs[0].Content)
	assert.Equal(t, "summary 1", msgs[1].Content)
	assert.Contains(t, backend.replies[1].System, "Your name is CASE.")
}

func TestRun_SelfAlternatesAndStopsAtLimit(t *testing.T) {
	backend := &scriptedBackend{}
	svc, s := newPipeline(t, backend)

	var records []TurnRecord
	err := svc.Orchestrator.RunWith(context.Background(), RunRequest{
		MaxTurns: 4,
		OnTurn:   func(r TurnRecord) { records = append(records, r) },
	})
	require.NoError(t, err)

	require.Len(t, records, 4)
	for i, r := range records {
		assert.Equal(t, i+1, r.Turn)
		assert.Equal(t, i%2 == 0, r.Stored.Self)
		assert.NotEmpty(t, r.Stored.ID)
		assert.NotEmpty(t, r.Stored.Text)
		assert.NotEmpty(t, r.Stored.Embedding)
	}
	assert.Len(t, s.Turns(persona.PartitionTARS), 2)
	assert.Len(t, s.Turns(persona.PartitionCASE), 2)
	for _, turn := range s.Turns(persona.PartitionCASE) {
		assert.False(t, turn.Self)
	}

	// the seed is embedded once, then one embedding per turn
	_, _, embeds := backend.counts()
	assert.Equal(t, 5, embeds)
	assert.Equal(t, "Let's begin.", backend.embeds[0])
}

func TestRun_StopsOnCancellation(t *testing.T) {
	backend := &scriptedBackend{}
	svc, _ := newPipeline(t, backend)
	ctx, cancel := context.WithCancel(context.Background())

	err := svc.Orchestrator.RunWith(ctx, RunRequest{
		OnTurn: func(r TurnRecord) {
			if r.Turn == 3 {
				cancel()
			}
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
	_, replies, _ := backend.counts()
	assert.Equal(t, 3, replies)
}

func TestRun_ProviderFailureNeverWrites(t *testing.T) {
	boom := errors.New("upstream 500")
	backend := &scriptedBackend{replyErr: func(n int) error {
		if n == 2 {
			return boom
		}
		return nil
	}}
	svc, s := newPipeline(t, backend)

	err := svc.Orchestrator.Run(context.Background(), "")
	require.Error(t, err)

	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ProviderError, te.Kind)
	assert.Equal(t, StepGenerate, te.Step)
	assert.Equal(t, persona.CASE, te.Persona)
	assert.Equal(t, 2, te.Turn)
	assert.ErrorIs(t, err, boom)

	_, inserts := s.counts()
	assert.Equal(t, 1, inserts)
	assert.Empty(t, s.Turns(persona.PartitionCASE))
}

func TestRun_EmbedFailureAfterGenerateNeverWrites(t *testing.T) {
	backend := &scriptedBackend{embedErr: func(n int) error {
		if n == 2 {
			return errors.New("embedding endpoint down")
		}
		return nil
	}}
	svc, s := newPipeline(t, backend)

	err := svc.Orchestrator.Run(context.Background(), "seed")
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StepEmbed, te.Step)
	assert.Equal(t, ProviderError, te.Kind)
	assert.Equal(t, persona.TARS, te.Persona)

	_, inserts := s.counts()
	assert.Zero(t, inserts)
}

func TestRun_SeedEmbedFailure(t *testing.T) {
	backend := &scriptedBackend{embedErr: func(int) error { return errors.New("no") }}
	svc, _ := newPipeline(t, backend)

	err := svc.Orchestrator.Run(context.Background(), "seed")
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StepSeed, te.Step)
	_, replies, _ := backend.counts()
	assert.Zero(t, replies)
}

func TestRun_StoreFailureIsStoreError(t *testing.T) {
	backend := &scriptedBackend{}
	svc, s := newPipeline(t, backend)
	s.insertErr = errors.New("disk full")

	err := svc.Orchestrator.Run(context.Background(), "seed")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, StoreError, kind)
}

func TestRun_EmptyCompletionIsValidationError(t *testing.T) {
	backend := &scriptedBackend{reply: func(int) string { return "  " }}
	svc, s := newPipeline(t, backend)

	err := svc.Orchestrator.Run(context.Background(), "seed")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ValidationError, kind)
	assert.ErrorIs(t, err, harness.ErrEmptyCompletion)
	_, inserts := s.counts()
	assert.Zero(t, inserts)
}

func TestStep_RejectsInvalidState(t *testing.T) {
	backend := &scriptedBackend{}
	svc, _ := newPipeline(t, backend)

	_, err := svc.Orchestrator.Step(context.Background(), State{Persona: persona.TARS, Prior: "x"})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ValidationError, kind)
	_, replies, embeds := backend.counts()
	assert.Zero(t, replies)
	assert.Zero(t, embeds)
}

func TestStep_TurnTimeout(t *testing.T) {
	backend := &scriptedBackend{block: true}
	s := &countingStore{Memory: store.NewMemory()}
	cfg := testConfig()
	cfg.Conversation.TurnTimeout = 20 * time.Millisecond
	svc := Build(cfg, backend, s, Observers{}, zerolog.Nop())

	_, err := svc.Orchestrator.Step(context.Background(), seedState("hello"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type stepRecorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *stepRecorder) ObserveStep(p persona.Persona, step string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func TestStep_ObservesEachStep(t *testing.T) {
	backend := &scriptedBackend{}
	rec := &stepRecorder{}
	s := &countingStore{Memory: store.NewMemory()}
	svc := Build(testConfig(), backend, s, Observers{Steps: rec}, zerolog.Nop())

	_, err := svc.Orchestrator.Step(context.Background(), seedState("hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{StepRetrieve, StepGenerate, StepEmbed, StepPersist}, rec.steps)
}

func TestTurnError_Message(t *testing.T) {
	err := &TurnError{Kind: StoreError, Persona: persona.CASE, Turn: 4, Step: StepPersist, Err: errors.New("locked")}
	assert.Equal(t, "CASE turn 4: persist failed (store error): locked", err.Error())
	assert.Equal(t, "validation", ValidationError.String())
}
