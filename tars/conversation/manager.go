package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// DefaultRetention is how many finished conversations a Manager remembers.
const DefaultRetention = 100

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrShuttingDown = errors.New("conversation manager is shutting down")
)

// Status is a conversation's lifecycle phase.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Snapshot is a read-only view of a conversation.
type Snapshot struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Seed        string     `json:"seed"`
	MaxTurns    int        `json:"max_turns"`
	Turns       int        `json:"turns"`
	LastPersona string     `json:"last_persona,omitempty"`
	LastText    string     `json:"last_text,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type run struct {
	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// TurnListener is notified of every turn across all conversations.
type TurnListener func(conversationID string, rec TurnRecord)

// Manager runs conversations in the background, one goroutine each.
type Manager struct {
	orch      *Orchestrator
	logger    zerolog.Logger
	listeners []TurnListener

	mu       sync.RWMutex
	runs     map[string]*run
	finished []string // ids in completion order, oldest first
	retain   int
	closed  bool
	baseCtx context.Context
	stop    context.CancelFunc
	wg      conc.WaitGroup
}

// NewManager creates a manager whose listeners see every persisted turn.
func NewManager(orch *Orchestrator, logger zerolog.Logger, listeners ...TurnListener) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		orch:      orch,
		logger:    logger.With().Str("component", "conversation_manager").Logger(),
		listeners: listeners,
		runs:      make(map[string]*run),
		retain:    DefaultRetention,
		baseCtx:   ctx,
		stop:      stop,
	}
}

// WithRetention caps how many finished conversations stay visible to Get and
// List. The oldest are forgotten first. n <= 0 keeps DefaultRetention.
func (m *Manager) WithRetention(n int) *Manager {
	if n <= 0 {
		n = DefaultRetention
	}
	m.mu.Lock()
	m.retain = n
	m.mu.Unlock()
	return m
}

// Start launches a conversation and returns immediately.
func (m *Manager) Start(seed string, maxTurns int) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrShuttingDown
	}

	if seed == "" {
		seed = m.orch.Options().SeedPrompt
	}
	if maxTurns <= 0 {
		maxTurns = m.orch.Options().MaxTurns
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &run{
		snap: Snapshot{
			ID:        id,
			Status:    StatusRunning,
			Seed:      seed,
			MaxTurns:  maxTurns,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	m.runs[id] = r

	m.wg.Go(func() {
		defer cancel()
		err := m.orch.RunWith(ctx, RunRequest{
			Seed:     seed,
			MaxTurns: maxTurns,
			OnTurn:   func(rec TurnRecord) { m.recordTurn(id, r, rec) },
		})
		m.finish(id, r, err)
	})

	m.logger.Info().Str("id", id).Int("max_turns", maxTurns).Msg("Conversation launched")
	return r.snapshot(), nil
}

func (m *Manager) recordTurn(id string, r *run, rec TurnRecord) {
	r.mu.Lock()
	r.snap.Turns = rec.Turn
	r.snap.LastPersona = rec.Persona.String()
	r.snap.LastText = rec.Stored.Text
	r.mu.Unlock()
	for _, l := range m.listeners {
		l(id, rec)
	}
}

func (m *Manager) finish(id string, r *run, err error) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.snap.FinishedAt = &now
	switch {
	case err == nil:
		r.snap.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		r.snap.Status = StatusCancelled
	default:
		r.snap.Status = StatusFailed
		r.snap.Error = err.Error()
		if kind, ok := KindOf(err); ok {
			r.snap.ErrorKind = kind.String()
		}
		m.logger.Error().Err(err).Str("id", id).Msg("Conversation failed")
	}
	r.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, id)
	for len(m.finished) > m.retain {
		delete(m.runs, m.finished[0])
		m.finished = m.finished[1:]
	}
}

// Get returns a conversation by id.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return r.snapshot(), nil
}

// List returns every known conversation, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Cancel stops a running conversation. Cancelling a finished one is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	r.cancel()
	return nil
}

// Running counts conversations still in progress.
func (m *Manager) Running() int {
	n := 0
	for _, s := range m.List() {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Wait blocks until every launched conversation has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Shutdown cancels all conversations and waits for them or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
