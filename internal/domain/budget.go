package domain

// BudgetDecision is the guardrail's verdict for a pending call.
type BudgetDecision string

const (
	BudgetContinue BudgetDecision = "continue"
	BudgetWarn     BudgetDecision = "warn"
	BudgetDegrade  BudgetDecision = "degrade"
	BudgetHalt     BudgetDecision = "halt"
)

// DegradationConfig is the advisory carried by a Degrade decision. The
// caller may apply it before retrying; it does not itself block execution.
type DegradationConfig struct {
	FallbackModel          string  `yaml:"fallback_model"`
	ContextReductionFactor float64 `yaml:"context_reduction_factor"`
}
