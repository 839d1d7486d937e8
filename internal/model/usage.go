package model

import "time"

// Tier names an LLM spend category. One ledger row exists per (date, tier).
type Tier string

const (
	TierOne       Tier = "tier1"
	TierTwo       Tier = "tier2"
	TierEmbedding Tier = "embedding"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierOne || t == TierTwo || t == TierEmbedding
}

// ApiUsage is the daily per-tier call/token/cost ledger row.
type ApiUsage struct {
	UsageDate        time.Time `json:"usage_date"` // date, UTC midnight
	Tier             Tier      `json:"tier"`
	CallCount        int64     `json:"call_count"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
}
