package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

// ErrRateLimitExceeded is returned by a non-blocking bucket with no tokens left.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket implements a keyed token bucket rate limiter.
// In blocking mode Acquire waits for the next token instead of failing.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
	blocking   bool
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// NewTokenBucket creates a limiter that rejects when a bucket is empty.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// NewBlockingTokenBucket creates a limiter whose Acquire waits for a token.
func NewBlockingTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	tb := NewTokenBucket(capacity, refillRate)
	tb.blocking = true
	return tb
}

// Acquire takes one token for key. The returned release is a no-op kept for
// the RateLimiter contract; tokens only come back through refill.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		wait, ok := tb.take(key)
		if ok {
			return func() {}, nil
		}
		if !tb.blocking {
			return nil, ErrRateLimitExceeded
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token or reports how long until the next refill.
func (tb *TokenBucket) take(key string) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}
	b.lastSeen = now

	// Refill tokens based on elapsed time
	elapsed := now.Sub(b.lastRefill)
	if add := int(elapsed / tb.refillRate); add > 0 {
		b.tokens = min(b.tokens+add, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(add) * tb.refillRate)
	}

	if b.tokens <= 0 {
		return tb.refillRate - now.Sub(b.lastRefill), false
	}
	b.tokens--
	return 0, true
}

// Prune drops buckets idle for longer than maxIdle and returns how many were removed.
func (tb *TokenBucket) Prune(maxIdle time.Duration) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	cutoff := tb.now().Add(-maxIdle)
	removed := 0
	for key, b := range tb.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(tb.buckets, key)
			removed++
		}
	}
	return removed
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
