package conversation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/db"
	"github.com/ZanzyTHEbar/tars-case/tars/generation"
	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness"
	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
	"github.com/ZanzyTHEbar/tars-case/tars/memory"
	"github.com/ZanzyTHEbar/tars-case/tars/memory/store"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// Backend is the chat and embedding provider the pipeline calls.
type Backend interface {
	ports.Provider
	ports.Embedder
}

// Observers are optional hooks attached while wiring.
type Observers struct {
	Calls harness.CallObserver
	Steps StepObserver
}

// Services holds a fully wired pipeline and what it owns.
type Services struct {
	Config       *config.Config
	Store        store.LogStore
	Guard        *harness.Guard
	Embedder     ports.Embedder
	Profile      *persona.ProfileHolder
	Orchestrator *Orchestrator

	conn *sql.DB
}

// Close releases the store and its database handle.
func (s *Services) Close() error {
	var err error
	if s.Store != nil {
		err = s.Store.Close()
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// OpenStore opens the configured log backend. The returned *sql.DB is nil
// for backends that do not use libsql.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.LogStore, *sql.DB, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(), nil, nil
	case "supabase":
		api, err := store.NewSupabaseAPI(cfg.Store.Supabase.URL, cfg.Store.Supabase.APIKey)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewSupabase(api, cfg.Store.Supabase, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "libsql", "":
		conn, caps, err := db.Open(ctx, db.OptionsFromConfig(cfg.Database), logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx, conn, logger); err != nil {
			conn.Close()
			return nil, nil, err
		}
		dims := db.EmbeddingDims(ctx, conn, string(persona.PartitionTARS))
		if dims == 0 {
			dims = cfg.Embedding.Dims
		}
		if dims != cfg.Embedding.Dims {
			conn.Close()
			return nil, nil, fmt.Errorf("%w: schema stores %d dims, embedding.dims is %d",
				store.ErrDimensionMismatch, dims, cfg.Embedding.Dims)
		}
		return store.NewLibSQL(conn, dims, caps.VectorSearch(), logger), conn, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// NewBackend creates the OpenAI-compatible provider from configuration.
func NewBackend(cfg *config.Config) Backend {
	return adapters.NewOpenAIProvider(adapters.OpenAIConfig{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		Organization:   cfg.OpenAI.Organization,
		EmbeddingModel: cfg.Embedding.Model,
		EmbeddingDims:  cfg.Embedding.Dims,
	})
}

// Build wires the whole pipeline against backend and an opened store.
func Build(cfg *config.Config, backend Backend, logStore store.LogStore, obs Observers, logger zerolog.Logger) *Services {
	factory := harness.NewFactory(&cfg.Harness, logger).WithObserver(obs.Calls)
	guard := factory.CreateGuard(backend, backend)
	embedder := factory.CreateEmbedder(guard, cfg.Embedding.Model)
	tracer := factory.CreateTracer()

	profile := persona.NewProfileHolder(persona.Profile{
		Specialties: cfg.Conversation.Specialties,
		Task:        cfg.Conversation.Task,
	})
	replyOpts, summaryOpts := generation.OptionsFromConfig(cfg.LLM)

	orch := NewOrchestrator(Dependencies{
		Embedder: embedder,
		Retriever: memory.NewRetriever(logStore, memory.Options{
			Threshold:        cfg.Conversation.MatchThreshold,
			Count:            cfg.Conversation.MatchCount,
			IncludeDocuments: cfg.Conversation.IncludeDocuments,
			Sequential:       cfg.Conversation.SequentialMatch,
		}, tracer),
		Contexts:   memory.NewContextBuilder(cfg.Conversation.ContextMaxTokens),
		Summarizer: generation.NewSummarizer(guard, summaryOpts, logger),
		Generator:  generation.NewResponseGenerator(guard, factory.CreateGuardrails(), profile, replyOpts, logger),
		Store:      logStore,
		Tracer:     tracer,
		Steps:      obs.Steps,
	}, Options{
		MaxTurns:    cfg.Conversation.MaxTurns,
		TurnTimeout: cfg.Conversation.TurnTimeout,
		SeedPrompt:  cfg.Conversation.SeedPrompt,
	}, logger)

	return &Services{
		Config:       cfg,
		Store:        logStore,
		Guard:        guard,
		Embedder:     embedder,
		Profile:      profile,
		Orchestrator: orch,
	}
}

// NewServices opens the configured store and wires the pipeline.
func NewServices(ctx context.Context, cfg *config.Config, obs Observers, logger zerolog.Logger) (*Services, error) {
	logStore, conn, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	svc := Build(cfg, NewBackend(cfg), logStore, obs, logger)
	svc.conn = conn
	return svc, nil
}
