// Package compliance provides a client for a sanctions and PEP screening API.
// It implements approval.Screener for the safety stage.
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/evidence-engine/internal/approval"
	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// screenRequest is the wire form of a screening call.
type screenRequest struct {
	Reference string   `json:"reference"`
	Texts     []string `json:"texts"`
}

// screenResponse is the wire form of a screening verdict.
type screenResponse struct {
	Passed    bool        `json:"passed"`
	RiskScore float64     `json:"risk_score"`
	Hits      []screenHit `json:"hits"`
}

type screenHit struct {
	Entity   string  `json:"entity"`
	List     string  `json:"list"`
	Score    float64 `json:"score"`
	Resolved bool    `json:"resolved"`
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithCircuitBreaker overrides the breaker guarding the API.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// Client screens text against the compliance API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

var _ approval.Screener = (*Client)(nil)

// NewClient creates a screening client for the API at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig creates a client from the compliance config section.
func NewFromConfig(cfg config.ComplianceConfig) *Client {
	opts := []Option{
		WithRetry(resilience.FromRetryConfig(resilience.DefaultRetryConfig(), cfg.Retry)),
		WithCircuitBreaker(resilience.NewCircuitBreaker(
			resilience.FromCircuitConfig(cfg.CircuitFailureThreshold, cfg.CircuitResetSecs))),
	}
	if cfg.RatePerSec > 0 {
		opts = append(opts, WithRateLimit(cfg.RatePerSec))
	}
	if cfg.TimeoutSecs > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}))
	}
	return NewClient(cfg.BaseURL, cfg.APIKey, opts...)
}

// Screen checks the texts of one content item. Transient failures are
// retried; a run of failures opens the circuit and later calls fail fast
// with resilience.ErrCircuitOpen.
func (c *Client) Screen(ctx context.Context, req approval.ScreenRequest) (*approval.Screening, error) {
	payload, err := json.Marshal(screenRequest{Reference: req.ContentItemID, Texts: req.Texts})
	if err != nil {
		return nil, eris.Wrap(err, "compliance: marshal request")
	}

	retry := c.retry
	retry.OnRetry = resilience.Chain(retry.OnRetry, resilience.RetryLogger("compliance", "screen"))

	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*screenResponse, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*screenResponse, error) {
			return c.post(ctx, payload)
		})
	})
	if err != nil {
		metrics.RecordScreening("error", time.Since(start))
		return nil, err
	}
	metrics.RecordScreening("ok", time.Since(start))

	out := &approval.Screening{Passed: resp.Passed, RiskScore: resp.RiskScore}
	for _, h := range resp.Hits {
		out.Matches = append(out.Matches, approval.Match{
			Term:     h.Entity,
			List:     h.List,
			Score:    h.Score,
			Resolved: h.Resolved,
		})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, payload []byte) (*screenResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "compliance: rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/screen", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "compliance: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "compliance: request failed")
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resilience.NewTransientError(eris.Wrap(readErr, "compliance: read response body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("compliance: unexpected status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result screenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "compliance: unmarshal response")
	}
	return &result, nil
}
