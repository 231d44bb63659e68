package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

// ErrNoChoices is returned when the completion response carries no choices.
var ErrNoChoices = errors.New("provider returned no choices")

// ErrNoEmbedding is returned when the embedding response carries no vector.
var ErrNoEmbedding = errors.New("provider returned no embedding")

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string // optional, e.g. an Azure or local gateway ending in /v1
	Organization   string
	EmbeddingModel string
	EmbeddingDims  int // expected vector length; 0 skips the check
	HTTPClient     *http.Client
}

// OpenAIProvider implements chat completion and embeddings over go-openai.
type OpenAIProvider struct {
	client         *openai.Client
	embeddingModel string
	embeddingDims  int
}

// NewOpenAIProvider creates a provider client. No request is made until first use.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Organization != "" {
		clientCfg.OrgID = cfg.Organization
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(clientCfg),
		embeddingModel: cfg.EmbeddingModel,
		embeddingDims:  cfg.EmbeddingDims,
	}
}

// Complete issues one non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: in.System,
			Name:    in.Meta["system_name"],
		})
	}
	for _, m := range in.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Name:    m.Name,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stop:        opts.Stop,
		Stream:      false,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, ErrNoChoices
	}

	choice := resp.Choices[0]
	return ports.Completion{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		Usage: &ports.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Embed returns the embedding vector for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrNoEmbedding
	}

	vec := resp.Data[0].Embedding
	if p.embeddingDims > 0 && len(vec) != p.embeddingDims {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), p.embeddingDims)
	}
	return vec, nil
}

// StatusCode extracts the HTTP status from a provider error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// Retryable reports whether a provider error is worth retrying.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch code := StatusCode(err); {
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	case code >= 400:
		return false
	}
	// Transport failures without a status are retried.
	return !errors.Is(err, ErrNoChoices) && !errors.Is(err, ErrNoEmbedding)
}

var (
	_ ports.Provider = (*OpenAIProvider)(nil)
	_ ports.Embedder = (*OpenAIProvider)(nil)
)
