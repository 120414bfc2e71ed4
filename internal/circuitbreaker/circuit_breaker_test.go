package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(&Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour, MaxConcurrentRequests: 1})

	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(&Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond, MaxConcurrentRequests: 1})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.GetState())

	time.Sleep(5 * time.Millisecond)

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(&Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxConcurrentRequests: 1})
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Fallback(t *testing.T) {
	cb := New(&Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxConcurrentRequests: 1})
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail") })

	called := false
	err := cb.ExecuteWithFallback(context.Background(),
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, cause error) error {
			called = true
			return nil
		})

	require.NoError(t, err)
	assert.True(t, called)
}
