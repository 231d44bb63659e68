package harness

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	harnessConfig *config.HarnessConfig
	logger        zerolog.Logger
	observer      CallObserver
}

// NewFactory creates a new harness factory.
func NewFactory(harnessConfig *config.HarnessConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		harnessConfig: harnessConfig,
		logger:        logger,
	}
}

// WithObserver attaches a provider call observer, typically metrics.
func (f *Factory) WithObserver(o CallObserver) *Factory {
	f.observer = o
	return f
}

// CreateGuard wraps the raw provider and embedder with the configured limiter,
// breaker, retry policy and tracer.
func (f *Factory) CreateGuard(provider ports.Provider, embedder ports.Embedder) *Guard {
	return NewGuard(
		provider,
		embedder,
		f.createRateLimiter(),
		f.createBreaker(),
		f.CreateTracer(),
		f.observer,
		GuardPolicy{
			RetryCount:     f.harnessConfig.RetryCount,
			RetryBackoff:   f.harnessConfig.RetryBackoff,
			RequestTimeout: f.harnessConfig.RequestTimeout,
		},
	)
}

// CreateEmbedder adds input validation and the embedding cache in front of next.
func (f *Factory) CreateEmbedder(next ports.Embedder, model string) *CachingEmbedder {
	return NewCachingEmbedder(next, f.createCache(), model, f.harnessConfig.CacheTTLSeconds)
}

// CreateGuardrails returns nil when guardrails are disabled; a nil
// Guardrails still rejects empty output.
func (f *Factory) CreateGuardrails() *Guardrails {
	if !f.harnessConfig.EnableGuardrails {
		return nil
	}
	return NewGuardrails(f.harnessConfig.MaxOutputSize, f.harnessConfig.RedactSecrets)
}

// CreateTracer creates a tracer adapter from config.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.harnessConfig.EnableTracing {
		return NoOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createCache() ports.Cache {
	if !f.harnessConfig.CacheEnabled || f.harnessConfig.CacheCapacity <= 0 {
		return noOpCache{}
	}
	return adapters.NewLRUCache(f.harnessConfig.CacheCapacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.harnessConfig.RateLimitEnabled {
		return NoOpRateLimiter{}
	}
	// Provider calls wait for a token rather than failing the turn.
	return adapters.NewBlockingTokenBucket(f.harnessConfig.RateLimitCapacity, f.harnessConfig.RateLimitRefillRate)
}

func (f *Factory) createBreaker() *gobreaker.CircuitBreaker {
	if !f.harnessConfig.BreakerEnabled {
		return nil
	}
	hc := f.harnessConfig
	logger := f.logger
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider",
		MaxRequests: hc.BreakerMaxRequests,
		Interval:    hc.BreakerInterval,
		Timeout:     hc.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < hc.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= hc.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// cancellation and validation failures do not count against the provider
			return err == nil || errors.Is(err, context.Canceled) || IsValidation(err)
		},
	})
}

// noOpCache implements Cache with no-op behavior for a disabled cache.
type noOpCache struct{}

func (noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (noOpCache) Delete(ctx context.Context, key string) error { return nil }

// NoOpRateLimiter never limits.
type NoOpRateLimiter struct{}

func (NoOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// NoOpTracer discards spans and events.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (NoOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

var (
	_ ports.Cache       = noOpCache{}
	_ ports.RateLimiter = NoOpRateLimiter{}
	_ ports.Tracer      = NoOpTracer{}
)
