package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestScreen_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/screen", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req screenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.Reference)
		assert.Equal(t, []string{"Rial update", "The rial fell."}, req.Texts)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"passed":false,"risk_score":0.9,"hits":[{"entity":"Acme Trading","list":"OFAC","score":0.93,"resolved":false}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	got, err := c.Screen(context.Background(), approval.ScreenRequest{
		ContentItemID: "c1",
		Texts:         []string{"Rial update", "The rial fell."},
	})
	require.NoError(t, err)
	assert.False(t, got.Passed)
	assert.Equal(t, 0.9, got.RiskScore)
	require.Len(t, got.Matches, 1)
	assert.Equal(t, approval.Match{Term: "Acme Trading", List: "OFAC", Score: 0.93}, got.Matches[0])
}

func TestScreen_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"passed":true,"risk_score":0.1}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(fastRetry()))
	got, err := c.Screen(context.Background(), approval.ScreenRequest{ContentItemID: "c1"})
	require.NoError(t, err)
	assert.True(t, got.Passed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestScreen_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"texts required"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(fastRetry()))
	_, err := c.Screen(context.Background(), approval.ScreenRequest{ContentItemID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestScreen_CircuitOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	c := NewClient(srv.URL, "k", WithRetry(resilience.RetryConfig{MaxAttempts: 1}), WithCircuitBreaker(cb))

	for range 2 {
		_, err := c.Screen(context.Background(), approval.ScreenRequest{ContentItemID: "c1"})
		require.Error(t, err)
	}
	_, err := c.Screen(context.Background(), approval.ScreenRequest{ContentItemID: "c1"})
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, int32(2), calls.Load())
}

func TestScreen_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithRetry(fastRetry()))
	_, err := c.Screen(context.Background(), approval.ScreenRequest{ContentItemID: "c1"})
	assert.ErrorContains(t, err, "unmarshal response")
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	c := NewFromConfig(config.ComplianceConfig{
		BaseURL:                 "http://screening.local",
		APIKey:                  "k",
		TimeoutSecs:             7,
		RatePerSec:              0.5,
		Retry:                   config.RetryConfig{MaxAttempts: 4},
		CircuitFailureThreshold: 3,
	})
	assert.Equal(t, 7*time.Second, c.http.Timeout)
	assert.Equal(t, 4, c.retry.MaxAttempts)
	assert.Equal(t, 1, c.limiter.Burst())
	assert.Equal(t, resilience.CircuitClosed, c.breaker.State())
}
