package budget

import (
	"log/slog"
	"sync"
	"time"

	"conductor/internal/domain"
)

// Config shapes the guardrail thresholds. Thresholds are fractions of Limit.
type Config struct {
	Limit               float64
	WarningThreshold    float64 // default 0.8
	SoftLimitThreshold  float64 // default 0.9
	GracefulDegradation bool
	Degradation         domain.DegradationConfig
}

// ModelUsage is the per-model slice of the budget breakdown.
type ModelUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Calls        int64   `json:"calls"`
}

// State is a snapshot of the cumulative spend for one request chain.
// Updated after every completed provider call, never rolled back.
type State struct {
	InputTokens  int64                 `json:"input_tokens"`
	OutputTokens int64                 `json:"output_tokens"`
	Cost         float64               `json:"cost"`
	PerModel     map[string]ModelUsage `json:"per_model"`
	PerNode      map[string]ModelUsage `json:"per_node"`
	Limit        float64               `json:"limit"`
	Exceeded     bool                  `json:"exceeded"`
	LastUpdate   time.Time             `json:"last_update"`
}

// Guardrail tracks cumulative spend for one request chain and decides
// continue/warn/degrade/halt. All checks and updates serialize on one
// mutex so two concurrent calls each under the limit cannot jointly
// exceed it.
type Guardrail struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	pending float64 // authorized-but-unsettled estimates
	logger  *slog.Logger
}

// NewGuardrail creates a guardrail for one request chain.
func NewGuardrail(cfg Config, logger *slog.Logger) *Guardrail {
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = 0.8
	}
	if cfg.SoftLimitThreshold == 0 {
		cfg.SoftLimitThreshold = 0.9
	}
	return &Guardrail{
		cfg: cfg,
		state: State{
			PerModel: make(map[string]ModelUsage),
			PerNode:  make(map[string]ModelUsage),
			Limit:    cfg.Limit,
		},
		logger: logger,
	}
}

// decide is the monotonic staircase over usage = cost / limit.
// Caller holds the lock.
func (g *Guardrail) decide(projected float64) domain.BudgetDecision {
	if g.state.Exceeded {
		return domain.BudgetHalt
	}
	if g.cfg.Limit <= 0 {
		return domain.BudgetContinue
	}
	usage := projected / g.cfg.Limit
	switch {
	case usage >= 1.0:
		return domain.BudgetHalt
	case usage >= g.cfg.SoftLimitThreshold:
		if g.cfg.GracefulDegradation {
			return domain.BudgetDegrade
		}
		return domain.BudgetHalt
	case usage >= g.cfg.WarningThreshold:
		return domain.BudgetWarn
	default:
		return domain.BudgetContinue
	}
}

// Check evaluates the staircase against the current cost plus the estimate
// of a pending call, without reserving anything. Callers that dispatch
// through the coordinator get Authorize instead.
func (g *Guardrail) Check(estimate float64) domain.BudgetDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decide(g.state.Cost + g.pending + estimate)
}

// Authorize performs the mandatory pre-call check against the projected
// state and, unless halting, reserves the estimate so concurrent calls
// in the same level see each other's pending spend. Every Authorize that
// does not return Halt must be paired with exactly one Settle or Release.
func (g *Guardrail) Authorize(estimate float64) domain.BudgetDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.decide(g.state.Cost + g.pending + estimate)
	if d != domain.BudgetHalt {
		g.pending += estimate
	}
	return d
}

// Settle replaces a reservation with the actual metered spend. It always
// adds: a call that completed is billed even if the limit was reached
// mid-flight. It also latches the exceeded flag once cost reaches the limit.
func (g *Guardrail) Settle(model, node string, estimate float64, inputTokens, outputTokens int64, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending -= estimate
	if g.pending < 0 {
		g.pending = 0
	}

	g.state.InputTokens += inputTokens
	g.state.OutputTokens += outputTokens
	g.state.Cost += cost
	g.state.LastUpdate = time.Now()

	if model != "" {
		u := g.state.PerModel[model]
		u.InputTokens += inputTokens
		u.OutputTokens += outputTokens
		u.Cost += cost
		u.Calls++
		g.state.PerModel[model] = u
	}
	if node != "" {
		u := g.state.PerNode[node]
		u.InputTokens += inputTokens
		u.OutputTokens += outputTokens
		u.Cost += cost
		u.Calls++
		g.state.PerNode[node] = u
	}

	if g.cfg.Limit > 0 && g.state.Cost >= g.cfg.Limit && !g.state.Exceeded {
		g.state.Exceeded = true
		g.logger.Warn("budget limit reached",
			"cost", g.state.Cost, "limit", g.cfg.Limit)
	}
}

// Release returns a reservation without billing, for calls that were
// authorized but never completed.
func (g *Guardrail) Release(estimate float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending -= estimate
	if g.pending < 0 {
		g.pending = 0
	}
}

// ShouldHalt reports whether dispatching anything further is pointless.
func (g *Guardrail) ShouldHalt() bool {
	return g.Check(0) == domain.BudgetHalt
}

// DegradationConfig returns the advisory applied on a Degrade decision.
func (g *Guardrail) DegradationConfig() domain.DegradationConfig {
	return g.cfg.Degradation
}

// Limit returns the configured cost ceiling.
func (g *Guardrail) Limit() float64 { return g.cfg.Limit }

// Snapshot returns a copy of the current state for observability and
// archiving. Maps are copied; mutating the snapshot does not affect the
// guardrail.
func (g *Guardrail) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.state
	snap.PerModel = make(map[string]ModelUsage, len(g.state.PerModel))
	for k, v := range g.state.PerModel {
		snap.PerModel[k] = v
	}
	snap.PerNode = make(map[string]ModelUsage, len(g.state.PerNode))
	for k, v := range g.state.PerNode {
		snap.PerNode[k] = v
	}
	return snap
}
