package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesRetryableThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewNetworkError(errors.New("i/o timeout"), "example.com")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := Validationf("bad input")
	err := Do(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		return NewNetworkError(errors.New("connection reset by peer"), "example.com")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastRetryConfig(5), func(ctx context.Context) error {
		calls++
		cancel()
		return NewNetworkError(errors.New("i/o timeout"), "example.com")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	cfg := fastRetryConfig(3)
	cfg.ShouldRetry = func(err error) bool { return true }

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("normally permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	cfg := fastRetryConfig(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		return NewNetworkError(errors.New("broken pipe"), "example.com")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastRetryConfig(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewNetworkError(errors.New("i/o timeout"), "example.com")
		}
		return "https://acme-srl.it", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://acme-srl.it", got)
	assert.Equal(t, 2, calls)
}

func TestDoVal_ZeroValueOnFailure(t *testing.T) {
	got, err := DoVal(context.Background(), fastRetryConfig(2), func(ctx context.Context) (int, error) {
		return 42, NewNetworkError(errors.New("i/o timeout"), "example.com")
	})
	require.Error(t, err)
	assert.Zero(t, got)
}

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	cfg := applyDefaults(RetryConfig{})
	def := DefaultRetryConfig()
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
}
