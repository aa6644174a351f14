package resilience

import (
	"time"

	"github.com/sells-group/evidence-engine/internal/config"
)

// FromRetryConfig overlays configured retry settings on base. Zero values keep base's.
func FromRetryConfig(base RetryConfig, c config.RetryConfig) RetryConfig {
	if c.MaxAttempts > 0 {
		base.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		base.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		base.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	return base
}

// FromCircuitConfig converts configured breaker settings to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
