// Package embedding provides the EmbeddingProvider used by the retrieval
// pipeline and ingest path to turn text into vectors, with a
// retry-and-circuit-breaker-decorated OpenAI-compatible HTTP backend.
package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai"

	"memcore/internal/config"
	memerrors "memcore/internal/errors"
)

// Provider generates embeddings for chunk content and queries.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIProvider calls an OpenAI-compatible embeddings endpoint. A small
// in-memory cache keyed by (model, text) hash avoids re-embedding
// identical content, mirroring the teacher's embedding-service cache.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dimension int

	cacheMu sync.RWMutex
	cache   map[string][]float32
	maxKeys int
}

// NewOpenAIProvider builds a Provider from cfg. dimension must match the
// configured model's actual output length; memcore validates this
// against the vector index's configured dimension, not against the
// provider itself (the API gives no dimension metadata up front).
func NewOpenAIProvider(cfg config.EmbeddingConfig, dimension int) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: dimension,
		cache:     make(map[string][]float32),
		maxKeys:   10000,
	}
}

// Dimension implements Provider.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// Embed implements Provider for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, memerrors.Validation("text must not be empty")
	}

	key := p.cacheKey(text)
	if cached, ok := p.getCached(key); ok {
		return cached, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, memerrors.ExternalTransient("embedding provider request failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, memerrors.ExternalTransient("embedding provider returned no data", nil)
	}

	vec := resp.Data[0].Embedding
	p.putCached(key, vec)
	return vec, nil
}

// EmbedBatch implements Provider for multiple texts in one request,
// skipping the cache only for texts not already cached.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, memerrors.Validation("texts must not be empty")
	}

	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int

	for i, text := range texts {
		key := p.cacheKey(text)
		if cached, ok := p.getCached(key); ok {
			results[i] = cached
			continue
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: uncachedTexts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, memerrors.ExternalTransient("embedding provider batch request failed", err)
	}
	if len(resp.Data) != len(uncachedTexts) {
		return nil, memerrors.ExternalTransient(
			fmt.Sprintf("embedding provider returned %d vectors for %d inputs", len(resp.Data), len(uncachedTexts)), nil)
	}

	for i, data := range resp.Data {
		idx := uncachedIndices[i]
		results[idx] = data.Embedding
		p.putCached(p.cacheKey(uncachedTexts[i]), data.Embedding)
	}
	return results, nil
}

func (p *OpenAIProvider) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(p.model + "|" + text))
	return fmt.Sprintf("%x", sum)
}

func (p *OpenAIProvider) getCached(key string) ([]float32, bool) {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	vec, ok := p.cache[key]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

func (p *OpenAIProvider) putCached(key string, vec []float32) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	if len(p.cache) >= p.maxKeys {
		for k := range p.cache {
			delete(p.cache, k)
			break
		}
	}
	cached := make([]float32, len(vec))
	copy(cached, vec)
	p.cache[key] = cached
}

var _ Provider = (*OpenAIProvider)(nil)
