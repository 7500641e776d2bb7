package domain

import (
	"time"
)

// ActionID uniquely identifies an action within a batch.
type ActionID string

// BackoffShape selects how retry delays grow between attempts.
type BackoffShape string

const (
	BackoffLinear      BackoffShape = "linear"
	BackoffExponential BackoffShape = "exponential"
)

// RetryPolicy controls coordinator-level retries for a single action.
// Attempts beyond MaxAttempts yield a terminal failed result.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffShape  `json:"backoff" yaml:"backoff"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
}

// Delay returns the backoff delay before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	switch p.Backoff {
	case BackoffExponential:
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	default:
		return base * time.Duration(attempt)
	}
}

// Action is one unit of dispatchable work handed to the coordinator by an
// upstream planner. Actions are immutable once submitted; the coordinator
// only reads them.
type Action struct {
	ID        ActionID       `json:"id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []ActionID     `json:"depends_on,omitempty"`
	Retry     RetryPolicy    `json:"retry"`
	Timeout   time.Duration  `json:"timeout"`

	// AgentID scopes rate-limit admission; empty means the default agent.
	AgentID string `json:"agent_id,omitempty"`
	// Priority orders dispatch within a level when the queue runs in
	// priority mode: "high", "medium" (default), or "low".
	Priority string `json:"priority,omitempty"`
	// Model and Node feed the budget breakdown and cost estimation.
	Model string `json:"model,omitempty"`
	Node  string `json:"node,omitempty"`
}

// ActionState tracks an action through the dispatch state machine.
type ActionState string

const (
	ActionPending    ActionState = "pending"
	ActionDispatched ActionState = "dispatched"
	ActionRetrying   ActionState = "retrying"
	ActionSucceeded  ActionState = "succeeded"
	ActionFailed     ActionState = "failed"
	ActionSkipped    ActionState = "skipped"
)

// ActionResult is the authoritative outcome of one action. Exactly one
// terminal result exists per submitted action once a batch run returns.
type ActionResult struct {
	ActionID ActionID      `json:"action_id"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Err      error         `json:"-"`
	Code     ErrorCode     `json:"code,omitempty"`
	Latency  time.Duration `json:"latency"`
	Provider string        `json:"provider,omitempty"`
	Cost     float64       `json:"cost"`
	Attempts int           `json:"attempts"`
}

// ErrorMessage returns the failure message, or "" on success.
func (r ActionResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// BatchSummary aggregates the results of one Run.
type BatchSummary struct {
	BatchID     string         `json:"batch_id"`
	Results     []ActionResult `json:"results"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	SuccessRate float64        `json:"success_rate"`
	TotalCost   float64        `json:"total_cost"`
	TotalLatency time.Duration `json:"total_latency"`
	AvgLatency   time.Duration `json:"avg_latency"`
	Errors      []string       `json:"errors,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}
