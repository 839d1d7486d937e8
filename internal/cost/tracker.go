// Package cost enforces daily LLM spend limits and keeps the per-tier
// call/token/cost ledger.
//
// Two limits apply: a per-tier daily call count and a global daily cost
// ceiling. Both are enforced atomically in the database so concurrent
// workers cannot jointly pass the last-slot check.
package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/horadus-ai/horadus/internal/model"
	"github.com/horadus-ai/horadus/internal/storage"
	"github.com/horadus-ai/horadus/internal/telemetry"
)

// ErrBudgetExceeded signals that a call was denied (or rolled back) by a
// budget limit. Callers treat this as recoverable: items revert to
// PENDING instead of ERROR.
var ErrBudgetExceeded = errors.New("cost: budget exceeded")

// tierPrice is USD per 1M tokens, input/output.
type tierPrice struct {
	input  float64
	output float64
}

var tierPrices = map[model.Tier]tierPrice{
	model.TierOne:       {input: 0.10, output: 0.40},
	model.TierTwo:       {input: 0.15, output: 0.60},
	model.TierEmbedding: {input: 0.10, output: 0.00},
}

// Limits configures the daily budgets.
type Limits struct {
	TierCalls    map[model.Tier]int64
	DailyCostUSD float64
}

// Tracker is the budget gate and ledger front-end.
type Tracker struct {
	db     *storage.DB
	logger *slog.Logger
	limits Limits
	now    func() time.Time

	denials metric.Int64Counter
}

// New creates a cost tracker.
func New(db *storage.DB, logger *slog.Logger, limits Limits) *Tracker {
	meter := telemetry.Meter("horadus/cost")
	denials, _ := meter.Int64Counter("horadus.budget.denials",
		metric.WithDescription("Calls denied by daily budget limits"),
	)
	return &Tracker{
		db:      db,
		logger:  logger,
		limits:  limits,
		now:     time.Now,
		denials: denials,
	}
}

// EnsureWithinBudget returns nil when one more call for tier fits inside
// both the per-tier call limit and the daily cost limit, else
// ErrBudgetExceeded. This is an advisory pre-check; RecordUsage repeats
// the enforcement atomically.
func (t *Tracker) EnsureWithinBudget(ctx context.Context, tier model.Tier) error {
	date := t.today()

	usage, err := t.db.GetUsage(ctx, date, tier)
	if err != nil {
		return fmt.Errorf("cost: ensure budget: %w", err)
	}
	if limit := t.callLimit(tier); usage.CallCount >= limit {
		t.deny(ctx, tier, "call_limit")
		return fmt.Errorf("%w: %s calls %d/%d", ErrBudgetExceeded, tier, usage.CallCount, limit)
	}

	totalCost, err := t.db.DailyCost(ctx, date)
	if err != nil {
		return fmt.Errorf("cost: ensure budget: %w", err)
	}
	if totalCost >= t.limits.DailyCostUSD {
		t.deny(ctx, tier, "cost_limit")
		return fmt.Errorf("%w: daily cost %.4f/%.2f USD", ErrBudgetExceeded, totalCost, t.limits.DailyCostUSD)
	}
	return nil
}

// RecordUsage adds one call's tokens to the ledger, pricing them by the
// tier table. The underlying upsert re-checks both limits and rolls back
// on violation, returning ErrBudgetExceeded.
func (t *Tracker) RecordUsage(ctx context.Context, tier model.Tier, inputTokens, outputTokens int64) error {
	return t.RecordUsagePriced(ctx, tier, inputTokens, outputTokens, EstimateCost(tier, inputTokens, outputTokens))
}

// RecordUsagePriced records a call at an explicit price, used when the
// caller resolved the responding model's own rate. A non-positive price
// falls back to the tier table so unknown models still cost something.
func (t *Tracker) RecordUsagePriced(ctx context.Context, tier model.Tier, inputTokens, outputTokens int64, costUSD float64) error {
	if costUSD <= 0 {
		costUSD = EstimateCost(tier, inputTokens, outputTokens)
	}
	err := t.db.AddUsage(ctx, t.today(), tier, inputTokens, outputTokens, costUSD, t.callLimit(tier), t.limits.DailyCostUSD)
	if err != nil {
		if errors.Is(err, storage.ErrBudgetExceeded) {
			t.deny(ctx, tier, "record_rollback")
			return fmt.Errorf("%w: usage rolled back for %s", ErrBudgetExceeded, tier)
		}
		return fmt.Errorf("cost: record usage: %w", err)
	}
	return nil
}

// TierSummary is one tier's rollup in the daily summary.
type TierSummary struct {
	Tier             model.Tier `json:"tier"`
	CallCount        int64      `json:"call_count"`
	CallLimit        int64      `json:"call_limit"`
	InputTokens      int64      `json:"input_tokens"`
	OutputTokens     int64      `json:"output_tokens"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd"`
}

// DailySummary is the budget endpoint payload.
type DailySummary struct {
	Date         string        `json:"date"`
	Tiers        []TierSummary `json:"tiers"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	CostLimitUSD float64       `json:"cost_limit_usd"`
	// Status is "sleep_mode" when any per-tier call limit or the cost
	// limit has been reached, else "active".
	Status string `json:"status"`
}

// GetDailySummary returns today's per-tier rollup with budget status.
func (t *Tracker) GetDailySummary(ctx context.Context) (DailySummary, error) {
	date := t.today()
	rows, err := t.db.UsageForDate(ctx, date)
	if err != nil {
		return DailySummary{}, fmt.Errorf("cost: daily summary: %w", err)
	}

	byTier := make(map[model.Tier]model.ApiUsage, len(rows))
	for _, u := range rows {
		byTier[u.Tier] = u
	}

	summary := DailySummary{
		Date:         date.Format("2006-01-02"),
		CostLimitUSD: t.limits.DailyCostUSD,
		Status:       "active",
	}
	for _, tier := range []model.Tier{model.TierOne, model.TierTwo, model.TierEmbedding} {
		u := byTier[tier]
		limit := t.callLimit(tier)
		summary.Tiers = append(summary.Tiers, TierSummary{
			Tier:             tier,
			CallCount:        u.CallCount,
			CallLimit:        limit,
			InputTokens:      u.InputTokens,
			OutputTokens:     u.OutputTokens,
			EstimatedCostUSD: u.EstimatedCostUSD,
		})
		summary.TotalCostUSD += u.EstimatedCostUSD
		if u.CallCount >= limit {
			summary.Status = "sleep_mode"
		}
	}
	if summary.TotalCostUSD >= t.limits.DailyCostUSD {
		summary.Status = "sleep_mode"
	}
	return summary, nil
}

// EstimateCost prices a call by the per-tier USD/1M-token table,
// quantized to micro-dollars so ledger sums stay stable.
func EstimateCost(tier model.Tier, inputTokens, outputTokens int64) float64 {
	p := tierPrices[tier]
	cost := float64(inputTokens)*p.input/1e6 + float64(outputTokens)*p.output/1e6
	return math.Round(cost*1e6) / 1e6
}

func (t *Tracker) callLimit(tier model.Tier) int64 {
	if limit, ok := t.limits.TierCalls[tier]; ok {
		return limit
	}
	return math.MaxInt64
}

func (t *Tracker) today() time.Time {
	now := t.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (t *Tracker) deny(ctx context.Context, tier model.Tier, reason string) {
	t.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("reason", reason),
	))
	t.logger.Warn("budget denial", "tier", tier, "reason", reason)
}
