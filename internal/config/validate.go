package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode needs. Modes: "store" (any
// command touching Postgres), "serve", "review", "monitor".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "store":
		problems = append(problems, c.storeProblems()...)
	case "serve":
		problems = append(problems, c.storeProblems()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "review":
		problems = append(problems, c.storeProblems()...)
		if c.Approval.RiskThreshold < 0 || c.Approval.RiskThreshold > 1 {
			problems = append(problems, "approval.risk_threshold must be between 0 and 1")
		}
	case "monitor":
		problems = append(problems, c.storeProblems()...)
		if c.Monitoring.CheckIntervalSecs <= 0 {
			problems = append(problems, "monitoring.check_interval_secs must be > 0")
		}
		if c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1 {
			problems = append(problems, "monitoring.failure_rate_threshold must be in (0, 1]")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Contradiction.DefaultVarianceFlag < 0 {
		problems = append(problems, "contradiction.default_variance_flag must be >= 0")
	}
	switch c.Evidence.Backend {
	case "local", "":
	case "gcs":
		if c.Evidence.Bucket == "" {
			problems = append(problems, "evidence.bucket is required for the gcs backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("evidence.backend %q is not one of local, gcs", c.Evidence.Backend))
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) storeProblems() []string {
	var out []string
	if c.Store.DatabaseURL == "" {
		out = append(out, "store.database_url is required")
	}
	if c.Store.MaxConns < 0 || c.Store.MinConns < 0 || (c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns) {
		out = append(out, "store.min_conns must be between 0 and store.max_conns")
	}
	return out
}
