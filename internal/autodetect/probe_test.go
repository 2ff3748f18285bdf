//go:build unit || !integration

package autodetect_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/tem/internal/autodetect"
	"github.com/Harvey-AU/tem/internal/mockservice"
	"github.com/Harvey-AU/tem/internal/ratelimit"
)

func TestProbe_UnlimitedTargetYieldsHighConcurrency(t *testing.T) {
	srv := httptest.NewServer(mockservice.New(mockservice.Config{}).Handler())
	defer srv.Close()

	result, err := autodetect.Probe(context.Background(), autodetect.Request{
		URL:                   srv.URL,
		MaxConcurrencyToTest:  16,
		RateLimitTestDuration: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Greater(t, result.Concurrency, 1)
	assert.Nil(t, result.RateLimit)
}

func TestProbe_ConcurrencyCeilingRespects80PercentMargin(t *testing.T) {
	const ceiling = 8
	srv := httptest.NewServer(mockservice.New(mockservice.Config{ConcurrencyCeiling: ceiling}).Handler())
	defer srv.Close()

	result, err := autodetect.Probe(context.Background(), autodetect.Request{
		URL:                   srv.URL,
		MaxConcurrencyToTest:  64,
		RateLimitTestDuration: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Concurrency, ceiling)
	assert.GreaterOrEqual(t, result.Concurrency, 1)
}

func TestProbe_RateLimitedTargetIsDetectedAndSnapped(t *testing.T) {
	limiter := ratelimit.New(20, time.Second)
	srv := httptest.NewServer(mockservice.New(mockservice.Config{RateLimit: limiter}).Handler())
	defer srv.Close()

	result, err := autodetect.Probe(context.Background(), autodetect.Request{
		URL:                   srv.URL,
		MaxConcurrencyToTest:  8,
		RateLimitTestDuration: 1200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, result.RateLimit, "sustained 429s during the probe window should be detected")
	assert.Contains(t, []time.Duration{1 * time.Second, 5 * time.Second}, result.RateLimit.Window)
	assert.Greater(t, result.RateLimit.Requests, 0)
}

func TestProbe_ContextCancellationStopsPromptly(t *testing.T) {
	srv := httptest.NewServer(mockservice.New(mockservice.Config{}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	var result *autodetect.Result
	var err error
	go func() {
		result, err = autodetect.Probe(ctx, autodetect.Request{
			URL:                   srv.URL,
			MaxConcurrencyToTest:  4,
			RateLimitTestDuration: 50 * time.Millisecond,
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Probe did not return promptly after context cancellation")
	}
	require.NoError(t, err)
	require.NotNil(t, result)
}
