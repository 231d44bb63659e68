package harness

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	ports "github.com/ZanzyTHEbar/tars-case/tars/generation/harness/ports"
)

// CachingEmbedder validates input and memoizes vectors by text hash.
type CachingEmbedder struct {
	next       ports.Embedder
	cache      ports.Cache
	model      string
	ttlSeconds int
}

// NewCachingEmbedder wraps next. The model name is part of the cache key so
// switching models never serves stale vectors.
func NewCachingEmbedder(next ports.Embedder, cache ports.Cache, model string, ttlSeconds int) *CachingEmbedder {
	return &CachingEmbedder{next: next, cache: cache, model: model, ttlSeconds: ttlSeconds}
}

// Embed returns the vector for text, consulting the cache first.
func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	key := e.key(text)
	if raw, ok := e.cache.Get(ctx, key); ok {
		if vec, err := decodeVector(raw); err == nil && len(vec) > 0 {
			return vec, nil
		}
		_ = e.cache.Delete(ctx, key)
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, ErrEmptyEmbedding
	}

	_ = e.cache.Set(ctx, key, encodeVector(vec), e.ttlSeconds)
	return vec, nil
}

func (e *CachingEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.model + ":" + hex.EncodeToString(sum[:])
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("cached vector has %d bytes", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}

var _ ports.Embedder = (*CachingEmbedder)(nil)
