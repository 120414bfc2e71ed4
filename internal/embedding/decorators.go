package embedding

import (
	"context"

	"memcore/internal/circuitbreaker"
	"memcore/internal/retry"
)

// RetryingProvider wraps a Provider with exponential-backoff retry for
// transient failures, mirroring the teacher's retry-wrapper-over-service
// decorator shape.
type RetryingProvider struct {
	inner   Provider
	retrier *retry.Retrier
}

// NewRetryingProvider wraps inner with r (retry.DefaultConfig() if r is nil).
func NewRetryingProvider(inner Provider, r *retry.Retrier) *RetryingProvider {
	if r == nil {
		r = retry.New(retry.DefaultConfig())
	}
	return &RetryingProvider{inner: inner, retrier: r}
}

// Dimension implements Provider.
func (p *RetryingProvider) Dimension() int { return p.inner.Dimension() }

// Embed implements Provider, retrying transient failures.
func (p *RetryingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	result := p.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		vec, err = p.inner.Embed(ctx, text)
		return err
	})
	return vec, result.Err
}

// EmbedBatch implements Provider, retrying transient failures.
func (p *RetryingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	result := p.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = p.inner.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, result.Err
}

var _ Provider = (*RetryingProvider)(nil)

// CircuitBreakingProvider wraps a Provider with a circuit breaker, so a
// failing embedding backend fails fast instead of queuing up retries
// against a dependency that's already down.
type CircuitBreakingProvider struct {
	inner   Provider
	breaker *circuitbreaker.CircuitBreaker
}

// NewCircuitBreakingProvider wraps inner with cb
// (circuitbreaker.DefaultConfig() if cb is nil).
func NewCircuitBreakingProvider(inner Provider, cb *circuitbreaker.CircuitBreaker) *CircuitBreakingProvider {
	if cb == nil {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	return &CircuitBreakingProvider{inner: inner, breaker: cb}
}

// Dimension implements Provider.
func (p *CircuitBreakingProvider) Dimension() int { return p.inner.Dimension() }

// Embed implements Provider, gated by the circuit breaker.
func (p *CircuitBreakingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		vec, innerErr = p.inner.Embed(ctx, text)
		return innerErr
	})
	return vec, err
}

// EmbedBatch implements Provider, gated by the circuit breaker.
func (p *CircuitBreakingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		vecs, innerErr = p.inner.EmbedBatch(ctx, texts)
		return innerErr
	})
	return vecs, err
}

var _ Provider = (*CircuitBreakingProvider)(nil)
