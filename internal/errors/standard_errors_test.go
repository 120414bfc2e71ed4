package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandardError_Error(t *testing.T) {
	e := Storage("write failed", errors.New("disk full"))
	assert.Contains(t, e.Error(), "storage")
	assert.Contains(t, e.Error(), "write failed")
	assert.Contains(t, e.Error(), "disk full")
}

func TestStandardError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	e := ExternalTransient("embedding call failed", cause)
	assert.ErrorIs(t, e, cause)
}

func TestStandardError_WithDetail(t *testing.T) {
	e := Validation("bad chunk").WithDetail("field", "content")
	assert.Equal(t, "content", e.Details["field"])
}

func TestIs(t *testing.T) {
	e := Duplicate("already exists")
	assert.True(t, Is(e, CodeDuplicate))
	assert.False(t, Is(e, CodeStorage))
	assert.False(t, Is(errors.New("plain"), CodeDuplicate))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ExternalTransient("timeout", nil)))
	assert.False(t, Retryable(Validation("bad input")))
}

func TestToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ToHTTPStatus(Validation("x")))
	assert.Equal(t, http.StatusConflict, ToHTTPStatus(Duplicate("x")))
	assert.Equal(t, http.StatusNotFound, ToHTTPStatus(NotFound("x")))
	assert.Equal(t, http.StatusServiceUnavailable, ToHTTPStatus(ExternalTransient("x", nil)))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(errors.New("plain")))
}
