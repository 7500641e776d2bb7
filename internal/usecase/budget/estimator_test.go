package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conductor/internal/domain"
)

func TestEstimateTokensEmpty(t *testing.T) {
	e := NewEstimator(EstimatorConfig{}, testLogger())
	assert.Equal(t, int64(0), e.EstimateTokens(""))
}

func TestEstimateTokensNonZeroForText(t *testing.T) {
	e := NewEstimator(EstimatorConfig{}, testLogger())
	assert.Greater(t, e.EstimateTokens("hello world, this is a prompt"), int64(0))
}

func TestEstimateTokensHeuristicFallback(t *testing.T) {
	// A bogus encoding forces the byte heuristic.
	e := NewEstimator(EstimatorConfig{Encoding: "no-such-encoding"}, testLogger())
	assert.Equal(t, int64(10), e.EstimateTokens("0123456789012345678901234567890123456789"))
	// Short non-empty text still counts at least one token.
	assert.Equal(t, int64(1), e.EstimateTokens("ab"))
}

func TestEstimateCostUsesModelPrice(t *testing.T) {
	e := NewEstimator(EstimatorConfig{
		DefaultOutputTokens: 1000,
		ModelPrices: map[string]Price{
			"pricey": {InputPer1K: 0.03, OutputPer1K: 0.06},
		},
		DefaultPrice: Price{InputPer1K: 0.001, OutputPer1K: 0.002},
	}, testLogger())

	// With no params there are no input tokens, so the cost is exactly the
	// assumed output priced per model.
	priced := e.EstimateCost(domain.Action{ID: "a", Model: "pricey"})
	assert.InDelta(t, 0.06, priced, 1e-9)

	fallback := e.EstimateCost(domain.Action{ID: "b", Model: "unknown-model"})
	assert.InDelta(t, 0.002, fallback, 1e-9)
}

func TestEstimateCostGrowsWithInput(t *testing.T) {
	e := NewEstimator(EstimatorConfig{
		DefaultOutputTokens: 10,
		DefaultPrice:        Price{InputPer1K: 1, OutputPer1K: 1},
	}, testLogger())

	small := e.EstimateCost(domain.Action{ID: "a", Params: map[string]any{"q": "hi"}})
	large := e.EstimateCost(domain.Action{ID: "b", Params: map[string]any{
		"q": "a much longer prompt with many more words that should tokenize to far more input tokens than the small one",
	}})
	assert.Greater(t, large, small)
}
