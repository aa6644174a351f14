// Package config loads engine configuration from config.yaml and EVIDENCE_*
// environment variables, and installs the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Observation   ObservationConfig   `yaml:"observation" mapstructure:"observation"`
	Evidence      EvidenceConfig      `yaml:"evidence" mapstructure:"evidence"`
	Ingest        IngestConfig        `yaml:"ingest" mapstructure:"ingest"`
	Contradiction ContradictionConfig `yaml:"contradiction" mapstructure:"contradiction"`
	Approval      ApprovalConfig      `yaml:"approval" mapstructure:"approval"`
	Compliance    ComplianceConfig    `yaml:"compliance" mapstructure:"compliance"`
	Events        EventsConfig        `yaml:"events" mapstructure:"events"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the Postgres connection pool.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RetryConfig bounds a retried operation. Zero values fall back to the
// caller's built-in defaults.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ObservationConfig configures revision writes.
type ObservationConfig struct {
	Retry RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// EvidenceConfig configures raw object storage.
type EvidenceConfig struct {
	Backend         string      `yaml:"backend" mapstructure:"backend"` // local or gcs
	Dir             string      `yaml:"dir" mapstructure:"dir"`
	Bucket          string      `yaml:"bucket" mapstructure:"bucket"`
	CredentialsFile string      `yaml:"credentials_file" mapstructure:"credentials_file"`
	Retry           RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// IngestConfig configures the ingestion loader.
type IngestConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ContradictionConfig configures detection.
type ContradictionConfig struct {
	DefaultVarianceFlag float64 `yaml:"default_variance_flag" mapstructure:"default_variance_flag"`
	DetectedBy          string  `yaml:"detected_by" mapstructure:"detected_by"`
	SeparateRegimes     bool    `yaml:"separate_regimes" mapstructure:"separate_regimes"`
	Concurrency         int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// ApprovalConfig configures the approval pipeline.
type ApprovalConfig struct {
	PoliciesFile  string  `yaml:"policies_file" mapstructure:"policies_file"`
	RiskThreshold float64 `yaml:"risk_threshold" mapstructure:"risk_threshold"`
}

// ComplianceConfig configures the sanctions/PEP screening client.
type ComplianceConfig struct {
	BaseURL                 string      `yaml:"base_url" mapstructure:"base_url"`
	APIKey                  string      `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs             int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec              float64     `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Retry                   RetryConfig `yaml:"retry" mapstructure:"retry"`
	CircuitFailureThreshold int         `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int         `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// EventsConfig configures governance event publishing. An empty NATSURL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" mapstructure:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

// MonitoringConfig configures the periodic health checker.
type MonitoringConfig struct {
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleContradictionHours int     `yaml:"stale_contradiction_hours" mapstructure:"stale_contradiction_hours"`
	StuckReviewHours        int     `yaml:"stuck_review_hours" mapstructure:"stuck_review_hours"`
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("observation.retry.max_attempts", 5)
	v.SetDefault("observation.retry.initial_backoff_ms", 5)
	v.SetDefault("observation.retry.max_backoff_ms", 250)
	v.SetDefault("evidence.backend", "local")
	v.SetDefault("evidence.dir", "./data/raw")
	v.SetDefault("evidence.bucket", "")
	v.SetDefault("evidence.credentials_file", "")
	v.SetDefault("evidence.retry.max_attempts", 3)
	v.SetDefault("evidence.retry.initial_backoff_ms", 500)
	v.SetDefault("evidence.retry.max_backoff_ms", 10000)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("contradiction.default_variance_flag", 0.15)
	v.SetDefault("contradiction.detected_by", "detector")
	v.SetDefault("contradiction.separate_regimes", false)
	v.SetDefault("contradiction.concurrency", 4)
	v.SetDefault("approval.policies_file", "")
	v.SetDefault("approval.risk_threshold", 0.8)
	v.SetDefault("compliance.base_url", "")
	v.SetDefault("compliance.api_key", "")
	v.SetDefault("compliance.timeout_secs", 20)
	v.SetDefault("compliance.rate_per_sec", 5.0)
	v.SetDefault("compliance.retry.max_attempts", 3)
	v.SetDefault("compliance.circuit_failure_threshold", 5)
	v.SetDefault("compliance.circuit_reset_secs", 60)
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "evidence")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.stale_contradiction_hours", 72)
	v.SetDefault("monitoring.stuck_review_hours", 48)
	v.SetDefault("monitoring.webhook_url", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
