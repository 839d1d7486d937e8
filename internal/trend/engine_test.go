package trend

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/horadus-ai/horadus/internal/model"
)

func testEngine() *Engine {
	return New(nil, nil, Config{
		MaxDeltaPerEvent:    0.5,
		MinProbability:      0.001,
		MaxProbability:      0.999,
		DefaultHalfLifeDays: 30,
	})
}

func TestLogitSigmoidRoundTrip(t *testing.T) {
	for _, p := range []float64{0.001, 0.1, 0.5, 0.9, 0.999} {
		assert.InDelta(t, p, Sigmoid(Logit(p)), 1e-12)
	}
	assert.Equal(t, 0.0, Logit(0.5))
	assert.Equal(t, 0.5, Sigmoid(0))
}

func TestProbabilityClamps(t *testing.T) {
	e := testEngine()
	assert.Equal(t, 0.999, e.Probability(50))
	assert.Equal(t, 0.001, e.Probability(-50))
	assert.InDelta(t, 0.5, e.Probability(0), 1e-12)
}

func TestTemporalDecay(t *testing.T) {
	assert.Equal(t, 1.0, TemporalDecay(0, 30))
	assert.InDelta(t, 0.5, TemporalDecay(30, 30), 1e-12)
	assert.InDelta(t, 0.25, TemporalDecay(60, 30), 1e-12)
	assert.Equal(t, 1.0, TemporalDecay(10, 0), "no half-life means no decay")
	assert.Equal(t, 1.0, TemporalDecay(-5, 30), "future-dated evidence does not amplify")
}

func TestNoveltyFactor(t *testing.T) {
	assert.Equal(t, 1.0, NoveltyFactor(0))
	assert.Equal(t, 0.5, NoveltyFactor(1))
	assert.Equal(t, 0.25, NoveltyFactor(2))
	assert.Equal(t, 0.25, NoveltyFactor(9))
}

func TestComputeDelta(t *testing.T) {
	e := testEngine()
	f := model.EvidenceFactors{
		BaseWeight:    0.3,
		Severity:      0.7,
		Confidence:    0.8,
		Credibility:   0.9,
		Corroboration: 1.5,
		Novelty:       1.0,
		TemporalDecay: 1.0,
		Direction:     model.DirectionEscalatory,
	}
	want := 0.3 * 0.7 * 0.8 * 0.9 * 1.5
	assert.InDelta(t, want, e.ComputeDelta(f), 1e-12)

	f.Direction = model.DirectionDeEscalatory
	assert.InDelta(t, -want, e.ComputeDelta(f), 1e-12)
}

func TestComputeDeltaClamped(t *testing.T) {
	e := testEngine()
	f := model.EvidenceFactors{
		BaseWeight:    2,
		Severity:      1,
		Confidence:    1,
		Credibility:   1,
		Corroboration: 3,
		Novelty:       1,
		TemporalDecay: 1,
		Direction:     model.DirectionEscalatory,
	}
	assert.Equal(t, 0.5, e.ComputeDelta(f))
	f.Direction = model.DirectionDeEscalatory
	assert.Equal(t, -0.5, e.ComputeDelta(f))
}

func TestComputeDeltaZeroFactorKillsDelta(t *testing.T) {
	e := testEngine()
	f := model.EvidenceFactors{
		BaseWeight:    0.3,
		Severity:      0,
		Confidence:    0.8,
		Credibility:   0.9,
		Corroboration: 1,
		Novelty:       1,
		TemporalDecay: 1,
		Direction:     model.DirectionEscalatory,
	}
	assert.Equal(t, 0.0, e.ComputeDelta(f))
}

func TestDecayTowardBaseline(t *testing.T) {
	// One half-life closes half the displacement.
	got := DecayTowardBaseline(2.0, 0.0, 30, 30)
	assert.InDelta(t, 1.0, got, 1e-12)

	// Works below baseline too.
	got = DecayTowardBaseline(-3.0, -1.0, 30, 30)
	assert.InDelta(t, -2.0, got, 1e-12)

	// No elapsed time, no movement.
	assert.Equal(t, 2.0, DecayTowardBaseline(2.0, 0.0, 0, 30))
}

func TestCorroborationScoreFallback(t *testing.T) {
	assert.Equal(t, 1.0, CorroborationScore(nil, false, 1))
	assert.InDelta(t, 2.0, CorroborationScore(nil, false, 4), 1e-12)
	assert.Equal(t, 3.0, CorroborationScore(nil, false, 100), "fallback is capped")
	assert.Equal(t, 1.0, CorroborationScore(nil, false, 0), "floor at one")
}

func TestCorroborationScoreClusters(t *testing.T) {
	firsthand := func() model.EventSourceProfile {
		return model.EventSourceProfile{SourceID: uuid.New(), Tier: model.TierWire, ReportingType: model.ReportingFirsthand}
	}
	aggregator := func() model.EventSourceProfile {
		return model.EventSourceProfile{SourceID: uuid.New(), Tier: model.TierAggregatorSrc, ReportingType: model.ReportingAggregator}
	}

	t.Run("two firsthand count in full", func(t *testing.T) {
		got := CorroborationScore([]model.EventSourceProfile{firsthand(), firsthand()}, false, 2)
		assert.InDelta(t, 2.0, got, 1e-12)
	})

	t.Run("aggregator cluster is discounted", func(t *testing.T) {
		got := CorroborationScore([]model.EventSourceProfile{aggregator(), aggregator(), aggregator(), aggregator()}, false, 4)
		assert.InDelta(t, 2.0, got, 1e-12) // √4
	})

	t.Run("cap applies", func(t *testing.T) {
		profiles := make([]model.EventSourceProfile, 10)
		for i := range profiles {
			profiles[i] = firsthand()
		}
		assert.Equal(t, 3.0, CorroborationScore(profiles, false, 10))
	})

	t.Run("contradiction penalty", func(t *testing.T) {
		got := CorroborationScore([]model.EventSourceProfile{firsthand(), firsthand()}, true, 2)
		assert.InDelta(t, 2.0*0.7, got, 1e-12)
	})

	t.Run("repeat items from one source count once", func(t *testing.T) {
		p := firsthand()
		got := CorroborationScore([]model.EventSourceProfile{p, p, p}, false, 1)
		assert.InDelta(t, 1.0, got, 1e-12)
	})
}

func TestCorroborationMixedClusters(t *testing.T) {
	profiles := []model.EventSourceProfile{
		{SourceID: uuid.New(), Tier: model.TierPrimary, ReportingType: model.ReportingFirsthand},
		{SourceID: uuid.New(), Tier: model.TierMajor, ReportingType: model.ReportingSecondary},
		{SourceID: uuid.New(), Tier: model.TierMajor, ReportingType: model.ReportingSecondary},
		{SourceID: uuid.New(), Tier: model.TierMajor, ReportingType: model.ReportingSecondary},
		{SourceID: uuid.New(), Tier: model.TierMajor, ReportingType: model.ReportingSecondary},
	}
	// 1 firsthand + √4 secondary cluster = 3.0, exactly at the cap.
	got := CorroborationScore(profiles, false, 5)
	assert.InDelta(t, 3.0, got, 1e-12)
	assert.False(t, math.IsNaN(got))
}
