package config

import (
	"fmt"
)

// Validate checks configuration invariants that defaults cannot fix.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Priority < 0 {
			return fmt.Errorf("config: provider %q: negative priority", p.ID)
		}
		if p.CostPer1KInput < 0 || p.CostPer1KOutput < 0 {
			return fmt.Errorf("config: provider %q: negative cost model", p.ID)
		}
		if p.ErrorRateThreshold < 0 || p.ErrorRateThreshold > 1 {
			return fmt.Errorf("config: provider %q: error_rate_threshold must be in [0,1]", p.ID)
		}
	}

	if c.Budget.Limit <= 0 {
		return fmt.Errorf("config: budget limit must be positive")
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold >= 1 {
		return fmt.Errorf("config: warning_threshold must be in (0,1)")
	}
	if c.Budget.SoftLimitThreshold <= c.Budget.WarningThreshold || c.Budget.SoftLimitThreshold > 1 {
		return fmt.Errorf("config: soft_limit_threshold must be in (warning_threshold,1]")
	}

	if c.RateLimit.AgentRate <= 0 || c.RateLimit.GlobalRate <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	switch c.RateLimit.QueueMode {
	case "fifo", "priority":
	default:
		return fmt.Errorf("config: unknown queue_mode %q", c.RateLimit.QueueMode)
	}

	switch c.Router.Strategy {
	case "health_based", "round_robin", "least_connections":
	default:
		return fmt.Errorf("config: unknown router strategy %q", c.Router.Strategy)
	}

	if c.Coordinator.MaxConcurrency < 1 {
		return fmt.Errorf("config: max_concurrency must be at least 1")
	}

	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("config: archive enabled but no path set")
	}
	return nil
}
