// Package conversation runs the alternating TARS/CASE turn loop.
package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness"
	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
	"github.com/ZanzyTHEbar/tars-case/tars/memory"
	"github.com/ZanzyTHEbar/tars-case/tars/memory/store"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// Retriever recalls prior logs similar to an embedding.
type Retriever interface {
	Retrieve(ctx context.Context, speaker persona.Persona, embedding []float32) (memory.Retrieval, error)
}

// Summarizer condenses recalled context.
type Summarizer interface {
	Summarize(ctx context.Context, contextText string) (string, error)
}

// Generator produces a persona's reply.
type Generator interface {
	Generate(ctx context.Context, p persona.Persona, prior, summary string) (string, error)
}

// StepObserver receives the duration and outcome of each turn step.
type StepObserver interface {
	ObserveStep(p persona.Persona, step string, elapsed time.Duration, err error)
}

// TurnRecord describes one persisted turn.
type TurnRecord struct {
	Turn       int
	Persona    persona.Persona
	Stored     store.Turn
	Retrieved  int
	Summarized bool
}

// TurnObserver is called after each turn is persisted.
type TurnObserver func(TurnRecord)

// State is the orchestrator's position: whose turn it is and what they answer.
type State struct {
	Persona           persona.Persona
	Prior             string
	Embedding         []float32
	PreviousMessageID *string
	Turn              int
}

// Name returns AwaitingTarsTurn or AwaitingCaseTurn.
func (s State) Name() string {
	if s.Persona == persona.CASE {
		return "AwaitingCaseTurn"
	}
	return "AwaitingTarsTurn"
}

// Options bounds a run.
type Options struct {
	MaxTurns    int           // 0 runs until cancelled or a step fails
	TurnTimeout time.Duration // 0 disables the per-turn deadline
	SeedPrompt  string
}

// Dependencies are the collaborators a turn calls into.
type Dependencies struct {
	Embedder   ports.Embedder
	Retriever  Retriever
	Contexts   *memory.ContextBuilder
	Summarizer Summarizer
	Generator  Generator
	Store      store.LogStore
	Tracer     ports.Tracer
	Steps      StepObserver
}

// Orchestrator drives the turn state machine.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewOrchestrator fills in a no-op tracer and an unbudgeted context builder
// when deps leaves them nil.
func NewOrchestrator(deps Dependencies, opts Options, logger zerolog.Logger) *Orchestrator {
	if deps.Tracer == nil {
		deps.Tracer = harness.NoOpTracer{}
	}
	if deps.Contexts == nil {
		deps.Contexts = memory.NewContextBuilder(0)
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		now:    time.Now,
	}
}

// Options returns the configured run bounds.
func (o *Orchestrator) Options() Options { return o.opts }

// Step takes one turn for s.Persona and returns the partner's state.
// Nothing is written unless every earlier step succeeded.
func (o *Orchestrator) Step(ctx context.Context, s State, observers ...TurnObserver) (State, error) {
	if s.Turn == 0 {
		s.Turn = 1
	}
	ctx, finish := o.deps.Tracer.StartSpan(ctx, "turn", map[string]any{
		"persona": s.Persona.String(),
		"turn":    s.Turn,
		"state":   s.Name(),
	})
	next, err := o.step(ctx, s, observers)
	if err != nil {
		finish(err)
		return s, err
	}
	finish(nil)
	return next, nil
}

func (o *Orchestrator) step(ctx context.Context, s State, observers []TurnObserver) (State, error) {
	if o.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TurnTimeout)
		defer cancel()
	}

	if strings.TrimSpace(s.Prior) == "" {
		return s, newTurnError(s, StepValidate, harness.ErrEmptyText)
	}
	if len(s.Embedding) == 0 {
		return s, newTurnError(s, StepValidate, harness.ErrEmptyEmbedding)
	}

	var retrieval memory.Retrieval
	if err := o.observe(s, StepRetrieve, func() (err error) {
		retrieval, err = o.deps.Retriever.Retrieve(ctx, s.Persona, s.Embedding)
		return err
	}); err != nil {
		return s, err
	}

	// with nothing recalled the prior response stands in for the summary
	summary := s.Prior
	summarized := !retrieval.Empty()
	if summarized {
		contextText := o.deps.Contexts.Build(retrieval)
		if err := o.observe(s, StepSummarize, func() (err error) {
			summary, err = o.deps.Summarizer.Summarize(ctx, contextText)
			return err
		}); err != nil {
			return s, err
		}
	}

	var text string
	if err := o.observe(s, StepGenerate, func() (err error) {
		text, err = o.deps.Generator.Generate(ctx, s.Persona, s.Prior, summary)
		return err
	}); err != nil {
		return s, err
	}

	var embedding []float32
	if err := o.observe(s, StepEmbed, func() (err error) {
		embedding, err = o.deps.Embedder.Embed(ctx, text)
		return err
	}); err != nil {
		return s, err
	}

	turn := store.Turn{
		Text:              text,
		Embedding:         embedding,
		PreviousMessageID: s.PreviousMessageID,
		Self:              s.Persona.Self(),
		CreatedAt:         o.now().UTC(),
	}
	if err := o.observe(s, StepPersist, func() (err error) {
		turn.ID, err = o.deps.Store.Insert(ctx, s.Persona.Partition(), turn)
		return err
	}); err != nil {
		return s, err
	}

	o.logger.Info().
		Str("persona", s.Persona.String()).
		Int("turn", s.Turn).
		Str("id", turn.ID).
		Int("retrieved", retrieval.Count()).
		Bool("summarized", summarized).
		Msg("Turn persisted")

	rec := TurnRecord{
		Turn:       s.Turn,
		Persona:    s.Persona,
		Stored:     turn,
		Retrieved:  retrieval.Count(),
		Summarized: summarized,
	}
	for _, fn := range observers {
		fn(rec)
	}

	return State{
		Persona:           s.Persona.Partner(),
		Prior:             text,
		Embedding:         embedding,
		PreviousMessageID: s.PreviousMessageID,
		Turn:              s.Turn + 1,
	}, nil
}

func (o *Orchestrator) observe(s State, step string, fn func() error) error {
	start := time.Now()
	err := fn()
	if o.deps.Steps != nil {
		o.deps.Steps.ObserveStep(s.Persona, step, time.Since(start), err)
	}
	if err != nil {
		return newTurnError(s, step, err)
	}
	return nil
}

// RunRequest overrides the configured seed and turn limit for one run.
type RunRequest struct {
	Seed     string
	MaxTurns int // 0 keeps the configured limit
	OnTurn   TurnObserver
}

// Run embeds the seed and alternates turns starting with TARS. It returns
// nil when the turn limit is reached, ctx.Err() when cancelled between
// turns, and a *TurnError when a turn fails.
func (o *Orchestrator) Run(ctx context.Context, seed string) error {
	return o.RunWith(ctx, RunRequest{Seed: seed})
}

// RunWith is Run with a per-call turn limit and observer. An empty seed uses
// the configured seed prompt.
func (o *Orchestrator) RunWith(ctx context.Context, req RunRequest) error {
	seed := req.Seed
	if strings.TrimSpace(seed) == "" {
		seed = o.opts.SeedPrompt
	}
	maxTurns := o.opts.MaxTurns
	if req.MaxTurns > 0 {
		maxTurns = req.MaxTurns
	}
	var observers []TurnObserver
	if req.OnTurn != nil {
		observers = append(observers, req.OnTurn)
	}

	state := State{Persona: persona.TARS, Prior: seed, Turn: 1}
	if strings.TrimSpace(seed) == "" {
		return newTurnError(state, StepSeed, harness.ErrEmptyText)
	}
	if err := o.observe(state, StepSeed, func() (err error) {
		state.Embedding, err = o.deps.Embedder.Embed(ctx, seed)
		return err
	}); err != nil {
		return err
	}

	o.logger.Info().Int("max_turns", maxTurns).Msg("Conversation started")
	return o.Resume(ctx, state, maxTurns, observers...)
}

// Resume continues from s until maxTurns total turns have been taken.
func (o *Orchestrator) Resume(ctx context.Context, s State, maxTurns int, observers ...TurnObserver) error {
	var err error
	for {
		if maxTurns > 0 && s.Turn > maxTurns {
			o.logger.Info().Int("turns", s.Turn-1).Msg("Turn limit reached")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s, err = o.Step(ctx, s, observers...)
		if err != nil {
			o.logger.Error().Err(err).Str("state", s.Name()).Msg("Conversation stopped")
			return err
		}
	}
}
