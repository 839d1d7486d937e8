package pipeline

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/horadus-ai/horadus/internal/model"
)

func TestContentHashNormalizesWhitespace(t *testing.T) {
	a := ContentHash("breaking:  troops   at\nthe border")
	b := ContentHash(" breaking: troops at the border ")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c := ContentHash("different text")
	assert.NotEqual(t, a, c)
}

func TestLanguageSupported(t *testing.T) {
	o := &Orchestrator{cfg: Config{SupportedLanguages: []string{"en", "de"}}}
	assert.True(t, o.languageSupported("en"))
	assert.True(t, o.languageSupported("EN"))
	assert.True(t, o.languageSupported("de"))
	assert.False(t, o.languageSupported("ru"))

	open := &Orchestrator{cfg: Config{}}
	assert.True(t, open.languageSupported("anything"), "empty whitelist accepts all")
}

func TestAverageCredibility(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	profiles := []model.EventSourceProfile{
		{SourceID: id1, Credibility: 1.0, Tier: model.TierPrimary, ReportingType: model.ReportingFirsthand},   // 1.0
		{SourceID: id2, Credibility: 1.0, Tier: model.TierRegional, ReportingType: model.ReportingSecondary}, // 0.49
		{SourceID: id1, Credibility: 1.0, Tier: model.TierPrimary, ReportingType: model.ReportingFirsthand},  // duplicate, ignored
	}
	assert.InDelta(t, (1.0+0.49)/2, averageCredibility(profiles), 1e-9)
	assert.Equal(t, 1.0, averageCredibility(nil), "no profiles defaults neutral")
}

func TestEvidenceAgeDays(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	o := &Orchestrator{now: func() time.Time { return now }}

	firstSeen := now.Add(-48 * time.Hour)
	assert.InDelta(t, 2.0, o.evidenceAgeDays(model.Event{FirstSeenAt: firstSeen}), 1e-9)

	when := now.Add(-24 * time.Hour)
	ev := model.Event{FirstSeenAt: firstSeen, ExtractedWhen: &when}
	assert.InDelta(t, 1.0, o.evidenceAgeDays(ev), 1e-9, "extracted_when wins over first_seen_at")

	future := now.Add(24 * time.Hour)
	ev = model.Event{FirstSeenAt: firstSeen, ExtractedWhen: &future}
	assert.Equal(t, 0.0, o.evidenceAgeDays(ev), "future-dated extraction clamps to zero age")
}

func TestRunStatsAdd(t *testing.T) {
	var total RunStats
	total.add(RunStats{Scanned: 2, Classified: 1, TrendUpdates: 3})
	total.add(RunStats{Scanned: 1, Noise: 1, Duplicates: 1})

	assert.Equal(t, 3, total.Scanned)
	assert.Equal(t, 1, total.Classified)
	assert.Equal(t, 1, total.Noise)
	assert.Equal(t, 1, total.Duplicates)
	assert.Equal(t, 3, total.TrendUpdates)
}
