package domain

import (
	"context"
	"time"
)

// HealthStatus is the derived health of a provider.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ProviderConfig is the static configuration of one upstream provider.
// Health state is tracked separately and never stored here.
type ProviderConfig struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
	// Priority orders failover; lower is preferred.
	Priority int `yaml:"priority"`

	// Cost model, per 1K tokens.
	CostPer1KInput  float64 `yaml:"cost_per_1k_input"`
	CostPer1KOutput float64 `yaml:"cost_per_1k_output"`

	// Health thresholds.
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	ErrorRateThreshold     float64       `yaml:"error_rate_threshold"`
	LatencyThreshold       time.Duration `yaml:"latency_threshold"`

	// Circuit breaker, on top of rolling health.
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
	BreakerInterval    time.Duration `yaml:"breaker_interval"`
}

// Cost computes the metered cost of a completed call under this provider's
// cost model.
func (c ProviderConfig) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*c.CostPer1KInput +
		float64(outputTokens)/1000*c.CostPer1KOutput
}

// ProviderRequest is what the router sends to a provider. The payload is
// opaque to the core.
type ProviderRequest struct {
	ActionID ActionID
	Type     string
	Model    string
	AgentID  string
	Payload  map[string]any
}

// ProviderResponse is a provider's answer plus the token accounting the
// budget guardrail needs.
type ProviderResponse struct {
	Output       any
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ProviderClient is an upstream compute endpoint. Implementations own the
// wire format; the core only sees this interface.
type ProviderClient interface {
	ID() string
	Invoke(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
	// Ping is a lightweight synthetic check used by periodic health probes.
	Ping(ctx context.Context) error
}

// ProviderResult is the router's account of one successfully routed request.
type ProviderResult struct {
	Response *ProviderResponse
	Provider string
	Latency  time.Duration
	Cost     float64
	// Attempts counts every provider call made while routing this request,
	// including same-provider retries and failovers.
	Attempts int
}

// HealthMetrics is a point-in-time snapshot of a provider's rolling health
// record, read by the router and exposed for observability.
type HealthMetrics struct {
	Provider            string        `json:"provider"`
	Status              HealthStatus  `json:"status"`
	// Pinned marks an administrative status override still in effect.
	Pinned              bool          `json:"pinned"`
	SuccessRate         float64       `json:"success_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalRequests       int64         `json:"total_requests"`
	TotalErrors         int64         `json:"total_errors"`
	LastCheck           time.Time     `json:"last_check"`
}

// ProviderCost is a per-provider cost/in-flight snapshot for observability.
type ProviderCost struct {
	Provider  string  `json:"provider"`
	InFlight  int     `json:"in_flight"`
	Requests  int64   `json:"requests"`
	TotalCost float64 `json:"total_cost"`
}
