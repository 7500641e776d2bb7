package budget

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"conductor/internal/domain"
)

// Price is a per-1K-token price pair.
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// EstimatorConfig shapes cost estimation for projected budget pre-checks.
type EstimatorConfig struct {
	// Encoding is the tiktoken encoding name, e.g. "cl100k_base".
	Encoding string
	// DefaultOutputTokens is assumed for the response side of a pending call.
	DefaultOutputTokens int64
	// ModelPrices maps model names to prices; DefaultPrice covers the rest.
	ModelPrices  map[string]Price
	DefaultPrice Price
}

// Estimator predicts the token count and cost of a pending call so the
// guardrail can be checked before dispatch. Estimation must never fail the
// dispatch path: when the encoding is unavailable (offline environments),
// a bytes/4 heuristic is used instead.
type Estimator struct {
	cfg EstimatorConfig
	enc *tiktoken.Tiktoken // nil when the encoding could not be loaded
}

// NewEstimator creates an estimator. A failed encoding load is logged and
// degrades to the heuristic, it is not an error.
func NewEstimator(cfg EstimatorConfig, logger *slog.Logger) *Estimator {
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}
	if cfg.DefaultOutputTokens == 0 {
		cfg.DefaultOutputTokens = 512
	}
	enc, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using byte heuristic",
			"encoding", cfg.Encoding, "error", err)
		enc = nil
	}
	return &Estimator{cfg: cfg, enc: enc}
}

// EstimateTokens counts the tokens of a text.
func (e *Estimator) EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if e.enc != nil {
		return int64(len(e.enc.Encode(text, nil, nil)))
	}
	// Rough heuristic: ~4 bytes per token for English-like text.
	n := int64(len(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateCost predicts the cost of dispatching an action: input tokens
// from its parameter bag plus the assumed output, priced per model.
func (e *Estimator) EstimateCost(action domain.Action) float64 {
	inputTokens := e.EstimateTokens(flattenParams(action.Params))

	price, ok := e.cfg.ModelPrices[action.Model]
	if !ok {
		price = e.cfg.DefaultPrice
	}
	return float64(inputTokens)/1000*price.InputPer1K +
		float64(e.cfg.DefaultOutputTokens)/1000*price.OutputPer1K
}

// flattenParams renders a parameter bag as text for token counting. Order
// does not matter, only magnitude.
func flattenParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	var out string
	for k, v := range params {
		out += k + " " + fmt.Sprint(v) + "\n"
	}
	return out
}
