package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/horadus-ai/horadus/internal/model"
)

func TestEffectiveCredibility(t *testing.T) {
	tests := []struct {
		name      string
		base      float64
		tier      model.SourceTier
		reporting model.ReportingType
		want      float64
	}{
		{"primary firsthand keeps base", 0.9, model.TierPrimary, model.ReportingFirsthand, 0.9},
		{"wire secondary", 1.0, model.TierWire, model.ReportingSecondary, 0.665},
		{"aggregator aggregator", 1.0, model.TierAggregatorSrc, model.ReportingAggregator, 0.2},
		{"regional firsthand", 0.8, model.TierRegional, model.ReportingFirsthand, 0.56},
		{"unknown tier treated as neutral", 0.5, model.SourceTier("blog"), model.ReportingSecondary, 0.35},
		{"unknown reporting treated as neutral", 0.5, model.TierMajor, model.ReportingType(""), 0.425},
		{"negative base clamps to zero", -0.5, model.TierPrimary, model.ReportingFirsthand, 0},
		{"overshoot clamps to one", 1.5, model.SourceTier(""), model.ReportingType(""), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EffectiveCredibility(tt.base, tt.tier, tt.reporting), 1e-9)
		})
	}
}

func TestNextLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fade := 48 * time.Hour
	archive := 7 * 24 * time.Hour

	tests := []struct {
		name       string
		status     model.LifecycleStatus
		silence    time.Duration
		want       model.LifecycleStatus
		transition bool
	}{
		{"confirmed recent mention stays", model.LifecycleConfirmed, time.Hour, model.LifecycleConfirmed, false},
		{"confirmed quiet fades", model.LifecycleConfirmed, 49 * time.Hour, model.LifecycleFading, true},
		{"fading below archive cutoff stays", model.LifecycleFading, 3 * 24 * time.Hour, model.LifecycleFading, false},
		{"fading long quiet archives", model.LifecycleFading, 8 * 24 * time.Hour, model.LifecycleArchived, true},
		{"emerging never auto-fades", model.LifecycleEmerging, 30 * 24 * time.Hour, model.LifecycleEmerging, false},
		{"archived is terminal", model.LifecycleArchived, 90 * 24 * time.Hour, model.LifecycleArchived, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := model.Event{LifecycleStatus: tt.status, LastMentionAt: now.Add(-tt.silence)}
			got, ok := nextLifecycle(ev, now, fade, archive)
			assert.Equal(t, tt.transition, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalSummary(t *testing.T) {
	title := "Border crossing closed after shelling"
	longContent := ""
	for range 50 {
		longContent += "0123456789"
	}

	t.Run("prefers title", func(t *testing.T) {
		it := model.RawItem{Title: &title, RawContent: longContent}
		assert.Equal(t, title, canonicalSummary(it))
	})

	t.Run("empty title falls back to content", func(t *testing.T) {
		empty := ""
		it := model.RawItem{Title: &empty, RawContent: "short body"}
		assert.Equal(t, "short body", canonicalSummary(it))
	})

	t.Run("truncates long content", func(t *testing.T) {
		it := model.RawItem{RawContent: longContent}
		got := canonicalSummary(it)
		assert.Len(t, got, canonicalSummaryMaxChars)
		assert.Equal(t, longContent[:canonicalSummaryMaxChars], got)
	})

	t.Run("truncation is rune safe", func(t *testing.T) {
		content := ""
		for range 500 {
			content += "й"
		}
		got := canonicalSummary(model.RawItem{RawContent: content})
		assert.Equal(t, canonicalSummaryMaxChars, len([]rune(got)))
	})
}
