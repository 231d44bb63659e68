package harness

import (
	"errors"

	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness/adapters"
)

var (
	// ErrEmptyText rejects empty input before any provider call.
	ErrEmptyText = errors.New("text is empty")
	// ErrEmptyEmbedding is returned when the provider yields a zero-length vector.
	ErrEmptyEmbedding = errors.New("embedding is empty")
	// ErrEmptyCompletion is returned when the provider yields no usable text.
	ErrEmptyCompletion = errors.New("completion is empty")
	// ErrNoChoices is returned when a completion response carries no choices.
	ErrNoChoices = adapters.ErrNoChoices
	// ErrOutputTooLarge is returned when a completion exceeds the output size policy.
	ErrOutputTooLarge = errors.New("output exceeds maximum size")
	// ErrCircuitOpen is returned while the provider circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("provider circuit open")
	// ErrRateLimited is returned when the provider rate limiter denies a call.
	ErrRateLimited = errors.New("provider rate limited")
)

// IsValidation reports whether err is an input or output validation failure
// rather than a provider fault.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyText) ||
		errors.Is(err, ErrEmptyEmbedding) ||
		errors.Is(err, ErrEmptyCompletion) ||
		errors.Is(err, ErrNoChoices) ||
		errors.Is(err, ErrOutputTooLarge)
}
