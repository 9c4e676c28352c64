package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errPublish   = errors.New("publish failed")
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

func fastConfig() RetryConfig {
	config := DefaultRetryConfig()
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 5 * time.Millisecond
	return config
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name         string
		config       func() RetryConfig
		failures     int
		failWith     error
		wantErr      error
		wantAttempts int
	}{
		{"first attempt succeeds", fastConfig, 0, nil, nil, 1},
		{"succeeds after retries", fastConfig, 2, errPublish, nil, 3},
		{"gives up after max attempts", fastConfig, 10, errPublish, errPublish, 3},
		{
			name: "non-retryable error stops immediately",
			config: func() RetryConfig {
				c := fastConfig()
				c.RetryableErrors = []error{errTransient}
				return c
			},
			failures: 10, failWith: errPermanent, wantErr: errPermanent, wantAttempts: 1,
		},
		{
			name: "custom checker",
			config: func() RetryConfig {
				c := fastConfig()
				c.RetryableChecker = func(err error) bool { return errors.Is(err, errTransient) }
				return c
			},
			failures: 10, failWith: errTransient, wantErr: errTransient, wantAttempts: 3,
		},
		{"open breaker is not retried", fastConfig, 10, ErrCircuitOpen, ErrCircuitOpen, 1},
		{"canceled context is not retried", fastConfig, 10, context.Canceled, context.Canceled, 1},
		{
			name: "zero attempts still runs once",
			config: func() RetryConfig {
				c := fastConfig()
				c.MaxAttempts = 0
				return c
			},
			failures: 0, wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			result, err := Retry(context.Background(), tt.config(), func(ctx context.Context) (interface{}, error) {
				attempts++
				if attempts <= tt.failures {
					return nil, tt.failWith
				}
				return "ok", nil
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", result)
		})
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialBackoff = time.Second
	config.EnableJitter = false

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	_, err := Retry(ctx, config, func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, errPublish
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
}

func TestCalculateBackoff_ExponentialGrowth(t *testing.T) {
	config := RetryConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}

	expected := map[int]time.Duration{
		1:  1 * time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		5:  16 * time.Second,
		6:  30 * time.Second,
		10: 30 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, calculateBackoff(attempt, config), "attempt %d", attempt)
	}
}

func TestAddJitter(t *testing.T) {
	assert.Equal(t, time.Duration(0), addJitter(0))

	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		d := addJitter(10 * time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 10*time.Second)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRetryConfigs(t *testing.T) {
	assert.Equal(t, 3, DefaultRetryConfig().MaxAttempts)
	assert.Equal(t, 5, AggressiveRetryConfig().MaxAttempts)
	assert.Equal(t, 2, ConservativeRetryConfig().MaxAttempts)
	assert.False(t, shouldRetry(nil, DefaultRetryConfig()))
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 409} {
		assert.False(t, IsRetryableHTTPStatus(code), "status %d", code)
	}
}
