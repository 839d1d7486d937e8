package llm

import (
	"math"
	"strings"
)

// modelPrice is USD per 1M tokens.
type modelPrice struct {
	prefix string
	input  float64
	output float64
}

// Longest-prefix-wins price table. Kept in sync with the per-tier
// budget pricing in internal/cost; this table resolves the actual
// model name a route answered with, including dated snapshots.
var modelPrices = []modelPrice{
	{prefix: "gpt-4o-mini", input: 0.10, output: 0.40},
	{prefix: "gpt-4o", input: 0.15, output: 0.60},
	{prefix: "text-embedding-3", input: 0.10, output: 0.00},
}

// PriceFor returns the USD/1M-token prices for a model by longest
// prefix match. ok is false for unknown models.
func PriceFor(model string) (input, output float64, ok bool) {
	best := -1
	for i, p := range modelPrices {
		if strings.HasPrefix(model, p.prefix) {
			if best < 0 || len(p.prefix) > len(modelPrices[best].prefix) {
				best = i
			}
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return modelPrices[best].input, modelPrices[best].output, true
}

// EstimateUSD prices a call for a known model, rounded to
// micro-dollars. Unknown models price at zero; the per-tier ledger in
// internal/cost remains the enforcement path.
func EstimateUSD(model string, inputTokens, outputTokens int64) float64 {
	in, out, ok := PriceFor(model)
	if !ok {
		return 0
	}
	usd := float64(inputTokens)*in/1e6 + float64(outputTokens)*out/1e6
	return math.Round(usd*1e6) / 1e6
}
