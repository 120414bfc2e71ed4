package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/circuitbreaker"
	"memcore/internal/errors"
	"memcore/internal/retry"
)

// fakeProvider lets decorator tests control failure/success without a
// network call.
type fakeProvider struct {
	calls     int
	failTimes int
	dimension int
}

func (f *fakeProvider) Dimension() int { return f.dimension }

func (f *fakeProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return nil, errors.ExternalTransient("temporary failure", nil)
	}
	return []float32{0.1, 0.2}, nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func TestRetryingProvider_RetriesTransientFailure(t *testing.T) {
	fake := &fakeProvider{failTimes: 2, dimension: 2}
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 0
	provider := NewRetryingProvider(fake, retry.New(cfg))

	vec, err := provider.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, 3, fake.calls)
}

func TestCircuitBreakingProvider_OpensAfterFailures(t *testing.T) {
	fake := &fakeProvider{failTimes: 100, dimension: 2}
	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.FailureThreshold = 2
	provider := NewCircuitBreakingProvider(fake, circuitbreaker.New(cbCfg))

	_, err := provider.Embed(context.Background(), "a")
	require.Error(t, err)
	_, err = provider.Embed(context.Background(), "b")
	require.Error(t, err)

	_, err = provider.Embed(context.Background(), "c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeExternalTransient))
}

func TestOpenAIProvider_EmbedRejectsEmptyText(t *testing.T) {
	provider := &OpenAIProvider{model: "test-model", dimension: 2, cache: make(map[string][]float32), maxKeys: 10}
	_, err := provider.Embed(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeValidation))
}

func TestOpenAIProvider_CacheKeyIsStablePerModelAndText(t *testing.T) {
	p := &OpenAIProvider{model: "m"}
	assert.Equal(t, p.cacheKey("same text"), p.cacheKey("same text"))
	assert.NotEqual(t, p.cacheKey("a"), p.cacheKey("b"))
}
