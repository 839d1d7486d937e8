package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horadus-ai/horadus/internal/cost"
	"github.com/horadus-ai/horadus/internal/llm"
	"github.com/horadus-ai/horadus/internal/model"
)

// fakeInvoker answers each Invoke call from a script of responses or
// errors, consumed in order.
type fakeInvoker struct {
	responses []string
	errs      []error
	calls     int
	requests  []llm.ChatRequest
}

func (f *fakeInvoker) Invoke(_ context.Context, _ model.Tier, req llm.ChatRequest) (llm.InvokeResult, error) {
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.InvokeResult{}, f.errs[i]
	}
	content := ""
	if i < len(f.responses) {
		content = f.responses[i]
	}
	return llm.InvokeResult{
		ChatResponse: llm.ChatResponse{Content: content, Usage: llm.Usage{PromptTokens: 50, CompletionTokens: 10}},
		Route:        "test",
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTrends() []model.Trend {
	return []model.Trend{
		{ID: "eu-russia-escalation", Name: "EU-Russia escalation", Indicators: map[string]model.Indicator{
			"troop_movement": {Weight: 0.3, Direction: model.DirectionEscalatory, Keywords: []string{"troops", "border"}},
		}},
		{ID: "us-china-trade", Name: "US-China trade conflict", Indicators: map[string]model.Indicator{
			"tariff_action": {Weight: 0.2, Direction: model.DirectionEscalatory},
		}},
	}
}

func tier1JSON(t *testing.T, items []model.RawItem, scores ...map[string]int) string {
	t.Helper()
	require.Len(t, scores, len(items))
	resp := tier1Response{}
	for i, item := range items {
		entry := tier1ItemScores{ItemID: item.ID.String()}
		for id, score := range scores[i] {
			entry.TrendScores = append(entry.TrendScores, tier1TrendScore{TrendID: id, RelevanceScore: score})
		}
		resp.Items = append(resp.Items, entry)
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(raw)
}

func TestTier1ClassifyQueuesAboveThreshold(t *testing.T) {
	items := []model.RawItem{{ID: uuid.New()}, {ID: uuid.New()}}
	trends := testTrends()
	inv := &fakeInvoker{responses: []string{tier1JSON(t, items,
		map[string]int{"eu-russia-escalation": 9, "us-china-trade": 2},
		map[string]int{"eu-russia-escalation": 1, "us-china-trade": 1},
	)}}
	tier1 := NewTier1(inv, testLogger(), 10, 5)

	results, err := tier1.Classify(context.Background(), items, trends)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Queue)
	assert.Equal(t, 9, results[0].MaxRelevance)
	assert.False(t, results[1].Queue)
	assert.Equal(t, 1, results[1].MaxRelevance)
	assert.Equal(t, 1, inv.calls)
}

func TestTier1ClassifyRejectsMissingTrend(t *testing.T) {
	items := []model.RawItem{{ID: uuid.New()}}
	inv := &fakeInvoker{responses: []string{
		tier1JSON(t, items, map[string]int{"eu-russia-escalation": 5}),
		tier1JSON(t, items, map[string]int{"eu-russia-escalation": 5}),
	}}
	tier1 := NewTier1(inv, testLogger(), 10, 5)

	// Both the batch and the single-item fallback return the same
	// incomplete trend set, so the item surfaces its error.
	results, err := tier1.Classify(context.Background(), items, testTrends())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestTier1ClassifyRejectsUnknownTrend(t *testing.T) {
	items := []model.RawItem{{ID: uuid.New()}}
	bad := tier1JSON(t, items, map[string]int{"eu-russia-escalation": 5, "made-up-trend": 3})
	inv := &fakeInvoker{responses: []string{bad, bad}}
	tier1 := NewTier1(inv, testLogger(), 10, 5)

	results, err := tier1.Classify(context.Background(), items, testTrends())
	require.NoError(t, err)
	require.ErrorContains(t, results[0].Err, "unknown trend_id")
}

func TestTier1ClassifyRejectsOutOfRangeScore(t *testing.T) {
	items := []model.RawItem{{ID: uuid.New()}}
	bad := tier1JSON(t, items, map[string]int{"eu-russia-escalation": 11, "us-china-trade": 0})
	inv := &fakeInvoker{responses: []string{bad, bad}}
	tier1 := NewTier1(inv, testLogger(), 10, 5)

	results, err := tier1.Classify(context.Background(), items, testTrends())
	require.NoError(t, err)
	require.ErrorContains(t, results[0].Err, "out of range")
}

func TestTier1BatchFailureFallsBackToSingles(t *testing.T) {
	items := []model.RawItem{{ID: uuid.New()}, {ID: uuid.New()}}
	trends := testTrends()
	inv := &fakeInvoker{
		errs: []error{fmt.Errorf("llm: all routes failed: boom")},
		responses: []string{
			"", // consumed by the failing batch call
			tier1JSON(t, items[:1], map[string]int{"eu-russia-escalation": 7, "us-china-trade": 0}),
			tier1JSON(t, items[1:], map[string]int{"eu-russia-escalation": 0, "us-china-trade": 0}),
		},
	}
	tier1 := NewTier1(inv, testLogger(), 10, 5)

	results, err := tier1.Classify(context.Background(), items, trends)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Queue)
	assert.False(t, results[1].Queue)
	assert.Equal(t, 3, inv.calls)
}

func TestTier1BudgetDenialAborts(t *testing.T) {
	items := []model.RawItem{{ID: uuid.New()}}
	inv := &fakeInvoker{errs: []error{fmt.Errorf("gate: %w", cost.ErrBudgetExceeded)}}
	tier1 := NewTier1(inv, testLogger(), 10, 5)

	_, err := tier1.Classify(context.Background(), items, testTrends())
	require.ErrorIs(t, err, cost.ErrBudgetExceeded)
	assert.Equal(t, 1, inv.calls, "budget denial must not trigger single-item fallback")
}

func TestTier1NoActiveTrends(t *testing.T) {
	tier1 := NewTier1(&fakeInvoker{}, testLogger(), 10, 5)
	_, err := tier1.Classify(context.Background(), []model.RawItem{{ID: uuid.New()}}, nil)
	require.Error(t, err)
}

func TestTier1PayloadWrapsContent(t *testing.T) {
	title := "Troop buildup reported"
	items := []model.RawItem{{ID: uuid.New(), Title: &title, RawContent: "body text"}}
	payload := tier1Payload(items, testTrends())

	assert.Contains(t, payload, "eu-russia-escalation")
	assert.Contains(t, payload, "<CONTENT>")
	assert.Contains(t, payload, "body text")
}

func TestTier1SchemaPinsTrendEnum(t *testing.T) {
	raw := tier1Schema(testTrends())
	assert.Contains(t, string(raw), `"eu-russia-escalation"`)
	assert.Contains(t, string(raw), `"us-china-trade"`)
}
