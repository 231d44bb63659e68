package harnessports

import "context"

// RateLimiter coordinates throughput across providers and clients.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
