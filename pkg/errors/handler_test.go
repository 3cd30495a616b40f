package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	handler := NewHandler(nil)

	wrapped := handler.Wrap(errors.New("connection refused"), "chunk_upload", "cdn-1")
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrorTypeNetwork, wrapped.Type)
	assert.Equal(t, "chunk_upload", wrapped.Operation)
	assert.Equal(t, "cdn-1", wrapped.Endpoint)
	assert.True(t, wrapped.Retryable)
	assert.Contains(t, wrapped.Error(), "cdn-1")
}

func TestWrap_Nil(t *testing.T) {
	handler := NewHandler(nil)
	assert.Nil(t, handler.Wrap(nil, "op", ""))
}

func TestWrap_PassesThroughTransferError(t *testing.T) {
	handler := NewHandler(nil)

	original := handler.Wrap(errors.New("timeout waiting for response"), "probe", "")
	rewrapped := handler.Wrap(original, "other_op", "other-endpoint")
	assert.Same(t, original, rewrapped)
}

func TestWrap_Unwrap(t *testing.T) {
	handler := NewHandler(nil)

	cause := errors.New("request timeout")
	wrapped := handler.Wrap(cause, "op", "")
	assert.ErrorIs(t, wrapped, cause)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  ErrorType
		retryable bool
	}{
		{"no endpoint", errors.New("no available endpoint"), ErrorTypeEndpoint, false},
		{"probe failure", errors.New("probe request failed"), ErrorTypeProbe, true},
		{"throttled", errors.New("429 too many requests"), ErrorTypeThrottling, true},
		{"rate limit", errors.New("rate limit exceeded"), ErrorTypeThrottling, true},
		{"connection", errors.New("connection reset by peer"), ErrorTypeNetwork, true},
		{"timeout", errors.New("i/o timeout"), ErrorTypeNetwork, true},
		{"dns", errors.New("dns lookup failed"), ErrorTypeNetwork, true},
		{"validation", errors.New("invalid chunk index"), ErrorTypeValidation, false},
		{"unknown", errors.New("something odd happened"), ErrorTypeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotRetryable := categorize(tt.err)
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.retryable, gotRetryable)
		})
	}
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	handler := NewHandler(nil).WithRetryConfig(5, time.Millisecond, 10*time.Millisecond)

	attempts := 0
	err := handler.RetryWithBackoff(context.Background(), "flaky_op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_StopsOnNonRetryable(t *testing.T) {
	handler := NewHandler(nil).WithRetryConfig(5, time.Millisecond, 10*time.Millisecond)

	attempts := 0
	err := handler.RetryWithBackoff(context.Background(), "bad_op", func() error {
		attempts++
		return errors.New("invalid chunk index")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "validation errors should not be retried")
	assert.Equal(t, ErrorTypeValidation, GetErrorType(err))
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	handler := NewHandler(nil).WithRetryConfig(2, time.Millisecond, 10*time.Millisecond)

	attempts := 0
	err := handler.RetryWithBackoff(context.Background(), "doomed_op", func() error {
		attempts++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestIsRetryableError(t *testing.T) {
	handler := NewHandler(nil)

	assert.True(t, IsRetryableError(errors.New("network unreachable")))
	assert.False(t, IsRetryableError(errors.New("malformed payload")))

	wrapped := handler.Wrap(errors.New("bad request"), "op", "")
	assert.False(t, IsRetryableError(wrapped))
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeThrottling, GetErrorType(errors.New("slow down")))

	handler := NewHandler(nil)
	wrapped := handler.Wrap(errors.New("no available endpoint"), "pick", "")
	assert.Equal(t, ErrorTypeEndpoint, GetErrorType(wrapped))
}
