package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("debug"))
	assert.Equal(t, WARN, ParseLogLevel("WARNING"))
	assert.Equal(t, INFO, ParseLogLevel("bogus"))
}

func TestWithTraceID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestWithTraceID_PreservesGiven(t *testing.T) {
	ctx := WithTraceID(context.Background(), "fixed-id")
	assert.Equal(t, "fixed-id", GetTraceID(ctx))
}

func TestGetTraceID_EmptyContext(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestLogger_WithComponentAndTraceID(t *testing.T) {
	base := NewLogger(INFO)
	scoped := base.WithComponent("pipeline").WithTraceID("abc")
	assert.NotNil(t, scoped)
	scoped.Info("search executed", "query", "weather")
}
