package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/domain"
)

// Config is the top-level configuration for the orchestration core.
type Config struct {
	Logger      LoggerConfig            `yaml:"logger"`
	Tracer      TracerConfig            `yaml:"tracer"`
	Providers   []domain.ProviderConfig `yaml:"providers"`
	Budget      BudgetConfig            `yaml:"budget"`
	RateLimit   RateLimitConfig         `yaml:"rate_limit"`
	Health      HealthConfig            `yaml:"health"`
	Coordinator CoordinatorConfig       `yaml:"coordinator"`
	Router      RouterConfig            `yaml:"router"`
	Archive     ArchiveConfig           `yaml:"archive"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// BudgetConfig holds the guardrail thresholds and estimation settings.
type BudgetConfig struct {
	// Limit is the hard cost ceiling for one request chain.
	Limit float64 `yaml:"limit"`
	// WarningThreshold and SoftLimitThreshold are fractions of Limit.
	WarningThreshold   float64 `yaml:"warning_threshold"`
	SoftLimitThreshold float64 `yaml:"soft_limit_threshold"`
	// GracefulDegradation selects Degrade over Halt at the soft limit.
	GracefulDegradation bool                     `yaml:"graceful_degradation"`
	Degradation         domain.DegradationConfig `yaml:"degradation"`

	// Estimation settings for projected pre-checks.
	Encoding            string                `yaml:"encoding"` // tiktoken encoding name
	DefaultOutputTokens int64                 `yaml:"default_output_tokens"`
	ModelPrices         map[string]ModelPrice `yaml:"model_prices"`
	DefaultPrice        ModelPrice            `yaml:"default_price"`
}

// ModelPrice is a per-1K-token price pair used for cost estimation.
type ModelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// RateLimitConfig holds token-bucket and queue settings.
type RateLimitConfig struct {
	// AgentRate is tokens per second refilled into each per-agent bucket.
	AgentRate  float64 `yaml:"agent_rate"`
	AgentBurst int     `yaml:"agent_burst"`
	// GlobalRate and GlobalBurst shape the shared pool bucket.
	GlobalRate  float64 `yaml:"global_rate"`
	GlobalBurst int     `yaml:"global_burst"`

	// QueueMode is "fifo" or "priority".
	QueueMode string `yaml:"queue_mode"`
	// MaxRequeue bounds re-enqueues of failed dispatches before dropping.
	MaxRequeue int `yaml:"max_requeue"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	// WindowSize is the number of recent outcomes in the rolling window.
	WindowSize    int           `yaml:"window_size"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// CoordinatorConfig holds execution defaults.
type CoordinatorConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	StopOnFailure  bool          `yaml:"stop_on_failure"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	DefaultRetry   domain.RetryPolicy `yaml:"default_retry"`
}

// RouterConfig holds routing settings.
type RouterConfig struct {
	// Strategy is "health_based", "round_robin", or "least_connections".
	Strategy string `yaml:"strategy"`
	// MaxRetries is the same-provider retry budget for transient errors.
	MaxRetries int `yaml:"max_retries"`
	// AdmissionTimeout bounds waiting for rate-limiter admission.
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
}

// ArchiveConfig holds batch archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite database path
}

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Budget.WarningThreshold == 0 {
		c.Budget.WarningThreshold = 0.8
	}
	if c.Budget.SoftLimitThreshold == 0 {
		c.Budget.SoftLimitThreshold = 0.9
	}
	if c.Budget.Encoding == "" {
		c.Budget.Encoding = "cl100k_base"
	}
	if c.Budget.DefaultOutputTokens == 0 {
		c.Budget.DefaultOutputTokens = 512
	}
	if c.RateLimit.AgentRate == 0 {
		c.RateLimit.AgentRate = 5
	}
	if c.RateLimit.AgentBurst == 0 {
		c.RateLimit.AgentBurst = 10
	}
	if c.RateLimit.GlobalRate == 0 {
		c.RateLimit.GlobalRate = 20
	}
	if c.RateLimit.GlobalBurst == 0 {
		c.RateLimit.GlobalBurst = 40
	}
	if c.RateLimit.QueueMode == "" {
		c.RateLimit.QueueMode = "fifo"
	}
	if c.RateLimit.MaxRequeue == 0 {
		c.RateLimit.MaxRequeue = 3
	}
	if c.Health.WindowSize == 0 {
		c.Health.WindowSize = 20
	}
	if c.Health.ProbeInterval == 0 {
		c.Health.ProbeInterval = 30 * time.Second
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 5 * time.Second
	}
	if c.Coordinator.MaxConcurrency == 0 {
		c.Coordinator.MaxConcurrency = 4
	}
	if c.Coordinator.DefaultTimeout == 0 {
		c.Coordinator.DefaultTimeout = 60 * time.Second
	}
	if c.Coordinator.DefaultRetry.MaxAttempts == 0 {
		c.Coordinator.DefaultRetry = domain.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     domain.BackoffExponential,
			BaseDelay:   time.Second,
		}
	}
	if c.Router.Strategy == "" {
		c.Router.Strategy = "health_based"
	}
	if c.Router.MaxRetries == 0 {
		c.Router.MaxRetries = 2
	}
	if c.Router.AdmissionTimeout == 0 {
		c.Router.AdmissionTimeout = 30 * time.Second
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.MaxConsecutiveFailures == 0 {
			p.MaxConsecutiveFailures = 5
		}
		if p.ErrorRateThreshold == 0 {
			p.ErrorRateThreshold = 0.5
		}
		if p.LatencyThreshold == 0 {
			p.LatencyThreshold = 10 * time.Second
		}
		if p.BreakerMaxFailures == 0 {
			p.BreakerMaxFailures = 5
		}
		if p.BreakerTimeout == 0 {
			p.BreakerTimeout = 30 * time.Second
		}
		if p.BreakerInterval == 0 {
			p.BreakerInterval = 60 * time.Second
		}
	}
}
