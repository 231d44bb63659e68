package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

// CallObserver records the outcome of every guarded provider call.
type CallObserver interface {
	ObserveProviderCall(op string, elapsed time.Duration, err error)
}

// GuardPolicy controls retries and deadlines around provider calls.
type GuardPolicy struct {
	RetryCount     int           // extra attempts after the first; 0 disables retry
	RetryBackoff   time.Duration // base delay for exponential backoff
	RequestTimeout time.Duration // per-attempt deadline; 0 disables
	Retryable      func(error) bool
}

// Guard wraps a provider and an embedder with rate limiting, a circuit
// breaker, optional retries and tracing. It satisfies both ports.
type Guard struct {
	provider ports.Provider
	embedder ports.Embedder
	limiter  ports.RateLimiter
	breaker  *gobreaker.CircuitBreaker // nil disables breaking
	tracer   ports.Tracer
	observer CallObserver
	policy   GuardPolicy
}

// NewGuard creates a guard. limiter and tracer must be non-nil; breaker and
// observer may be nil.
func NewGuard(
	provider ports.Provider,
	embedder ports.Embedder,
	limiter ports.RateLimiter,
	breaker *gobreaker.CircuitBreaker,
	tracer ports.Tracer,
	observer CallObserver,
	policy GuardPolicy,
) *Guard {
	if policy.Retryable == nil {
		policy.Retryable = adapters.Retryable
	}
	if policy.RetryBackoff <= 0 {
		policy.RetryBackoff = 100 * time.Millisecond
	}
	return &Guard{
		provider: provider,
		embedder: embedder,
		limiter:  limiter,
		breaker:  breaker,
		tracer:   tracer,
		observer: observer,
		policy:   policy,
	}
}

// Complete runs a guarded chat completion.
func (g *Guard) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if g.provider == nil {
		return ports.Completion{}, errors.New("no completion provider configured")
	}
	var out ports.Completion
	err := g.call(ctx, "complete", map[string]any{"model": opts.Model}, func(ctx context.Context) error {
		c, err := g.provider.Complete(ctx, in, opts)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Embed runs a guarded embedding request.
func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.embedder == nil {
		return nil, errors.New("no embedding provider configured")
	}
	var out []float32
	err := g.call(ctx, "embed", nil, func(ctx context.Context) error {
		v, err := g.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// BreakerState reports the breaker state, or "disabled".
func (g *Guard) BreakerState() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

func (g *Guard) call(ctx context.Context, op string, attrs map[string]any, fn func(context.Context) error) (err error) {
	start := time.Now()
	ctx, finish := g.tracer.StartSpan(ctx, "provider."+op, attrs)
	defer func() {
		finish(err)
		if g.observer != nil {
			g.observer.ObserveProviderCall(op, time.Since(start), err)
		}
	}()

	release, err := g.limiter.Acquire(ctx, op)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	defer release()

	backoff := retry.WithMaxRetries(uint64(max(g.policy.RetryCount, 0)), retry.NewExponential(g.policy.RetryBackoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			g.tracer.Event(ctx, "provider_retry", map[string]any{"op": op, "attempt": attempt})
		}
		err := g.execute(ctx, fn)
		if err != nil && !errors.Is(err, ErrCircuitOpen) && g.policy.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (g *Guard) execute(ctx context.Context, fn func(context.Context) error) error {
	if g.policy.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.policy.RequestTimeout)
		defer cancel()
	}
	if g.breaker == nil {
		return fn(ctx)
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

var (
	_ ports.Provider = (*Guard)(nil)
	_ ports.Embedder = (*Guard)(nil)
)
