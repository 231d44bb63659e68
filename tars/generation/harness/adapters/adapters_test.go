package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(2)

	require.NoError(t, cache.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, cache.Set(ctx, "b", []byte("2"), 0))

	// touch a so b becomes the eviction candidate
	_, ok := cache.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, cache.Set(ctx, "c", []byte("3"), 0))

	_, ok = cache.Get(ctx, "b")
	assert.False(t, ok)
	v, ok := cache.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	_, ok = cache.Get(ctx, "c")
	assert.True(t, ok)

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestLRUCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(4)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 10))
	_, ok := cache.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(11 * time.Second)
	_, ok = cache.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestLRUCache_Delete(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(4)
	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, cache.Delete(ctx, "k"))
	require.NoError(t, cache.Delete(ctx, "missing"))
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTokenBucket_NonBlocking(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	tb.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		release, err := tb.Acquire(ctx, "client")
		require.NoError(t, err)
		release()
	}
	_, err := tb.Acquire(ctx, "client")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	// keys are independent
	_, err = tb.Acquire(ctx, "other")
	assert.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = tb.Acquire(ctx, "client")
	assert.NoError(t, err)
}

func TestTokenBucket_BlockingHonorsContext(t *testing.T) {
	tb := NewBlockingTokenBucket(1, time.Hour)
	_, err := tb.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tb.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucket_BlockingWaitsForRefill(t *testing.T) {
	tb := NewBlockingTokenBucket(1, 10*time.Millisecond)
	_, err := tb.Acquire(context.Background(), "k")
	require.NoError(t, err)

	start := time.Now()
	_, err = tb.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestTokenBucket_Prune(t *testing.T) {
	tb := NewTokenBucket(1, time.Second)
	now := time.Unix(1_700_000_000, 0)
	tb.now = func() time.Time { return now }

	_, _ = tb.Acquire(context.Background(), "old")
	now = now.Add(time.Hour)
	_, _ = tb.Acquire(context.Background(), "fresh")

	assert.Equal(t, 1, tb.Prune(time.Minute))
}

func TestZerologTracer_SpanAndEvent(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finish := tracer.StartSpan(context.Background(), "step", map[string]any{"persona": "TARS"})
	tracer.Event(ctx, "retrieved", map[string]any{"count": 2})
	finish(errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"span":"step"`)
	assert.Contains(t, out, `"persona":"TARS"`)
	assert.Contains(t, out, `"event":"retrieved"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"event":"span_end"`)
}

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:         "test-key",
		BaseURL:        srv.URL + "/v1",
		EmbeddingModel: "text-embedding-ada-002",
		EmbeddingDims:  3,
	})
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var got openai.ChatCompletionRequest
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "gpt-4-1106-preview",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "Let's begin."},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		})
	})

	out, err := p.Complete(context.Background(), ports.PromptInput{
		System:   "Your name is TARS.",
		Messages: []ports.PromptMessage{{Role: "user", Name: "CASE", Content: "Hello"}},
	}, ports.Options{Model: "gpt-4-1106-preview", MaxTokens: 4096, Temperature: 0.7})
	require.NoError(t, err)

	assert.Equal(t, "Let's begin.", out.Text)
	assert.Equal(t, "stop", out.FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 15, out.Usage.TotalTokens)

	assert.Equal(t, "gpt-4-1106-preview", got.Model)
	assert.Equal(t, 4096, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-6)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, "CASE", got.Messages[1].Name)
}

func TestOpenAIProvider_CompleteNoChoices(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := p.Complete(context.Background(), ports.PromptInput{System: "s"}, ports.Options{Model: "m"})
	assert.ErrorIs(t, err, ErrNoChoices)
	assert.False(t, Retryable(err))
}

func TestOpenAIProvider_ServerErrorIsRetryable(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	})
	_, err := p.Complete(context.Background(), ports.PromptInput{System: "s"}, ports.Options{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.True(t, Retryable(err))
}

func TestOpenAIProvider_BadRequestNotRetryable(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	})
	_, err := p.Complete(context.Background(), ports.PromptInput{System: "s"}, ports.Options{Model: "m"})
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestOpenAIProvider_Embed(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-ada-002", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-ada-002","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}]}`))
	})

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vec, 1e-6)
}

func TestOpenAIProvider_EmbedDimensionMismatch(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}]}`))
	})
	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 3")
}

func TestOpenAIProvider_EmbedEmptyData(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	})
	_, err := p.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoEmbedding)
}
