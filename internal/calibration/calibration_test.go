package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horadus-ai/horadus/internal/model"
)

func TestProbabilityBand(t *testing.T) {
	tests := []struct {
		p    float64
		want string
	}{
		{0.0, "low"},
		{0.09, "low"},
		{0.10, "guarded"},
		{0.24, "guarded"},
		{0.25, "elevated"},
		{0.49, "elevated"},
		{0.50, "high"},
		{0.74, "high"},
		{0.75, "severe"},
		{0.999, "severe"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ProbabilityBand(tt.p), "p=%v", tt.p)
	}
}

func TestBrierScore(t *testing.T) {
	got := BrierScore(0.8, model.OutcomeOccurred)
	require.NotNil(t, got)
	assert.InDelta(t, 0.04, *got, 1e-12)

	got = BrierScore(0.8, model.OutcomeDidNotOccur)
	require.NotNil(t, got)
	assert.InDelta(t, 0.64, *got, 1e-12)

	got = BrierScore(0.8, model.OutcomePartial)
	require.NotNil(t, got)
	assert.InDelta(t, 0.09, *got, 1e-12)

	assert.Nil(t, BrierScore(0.8, model.OutcomeOngoing))
}

func outcome(p float64, kind model.OutcomeKind) model.TrendOutcome {
	return model.TrendOutcome{
		PredictedProbability: p,
		Outcome:              kind,
		BrierScore:           BrierScore(p, kind),
	}
}

func TestBuildReportCountsAndBuckets(t *testing.T) {
	outcomes := []model.TrendOutcome{
		outcome(0.85, model.OutcomeOccurred),
		outcome(0.85, model.OutcomeOccurred),
		outcome(0.85, model.OutcomeDidNotOccur),
		outcome(0.15, model.OutcomeDidNotOccur),
		outcome(0.5, model.OutcomeOngoing), // not resolved
	}

	report := buildReport("", time.Time{}, time.Time{}, outcomes)
	assert.Equal(t, 5, report.TotalOutcomes)
	assert.Equal(t, 4, report.Resolved)
	require.Len(t, report.Buckets, 10)

	// 0.85 falls in bucket [0.8, 0.9): three outcomes, two occurred.
	b8 := report.Buckets[8]
	assert.Equal(t, 3, b8.Count)
	assert.InDelta(t, 2.0/3.0, b8.ActualRate, 1e-12)
	assert.InDelta(t, 0.85, b8.ExpectedRate, 1e-12)

	b1 := report.Buckets[1]
	assert.Equal(t, 1, b1.Count)
	assert.Equal(t, 0.0, b1.ActualRate)
}

func TestBuildReportConfidenceFlags(t *testing.T) {
	// Persistently high predictions that rarely occur: overconfident.
	over := []model.TrendOutcome{
		outcome(0.9, model.OutcomeDidNotOccur),
		outcome(0.9, model.OutcomeDidNotOccur),
		outcome(0.9, model.OutcomeOccurred),
	}
	report := buildReport("", time.Time{}, time.Time{}, over)
	assert.True(t, report.Overconfident)
	assert.False(t, report.Underconfident)

	// Low predictions that keep occurring: underconfident.
	under := []model.TrendOutcome{
		outcome(0.1, model.OutcomeOccurred),
		outcome(0.1, model.OutcomeOccurred),
	}
	report = buildReport("", time.Time{}, time.Time{}, under)
	assert.True(t, report.Underconfident)
	assert.False(t, report.Overconfident)

	// Well calibrated within the ±0.05 dead zone.
	calibrated := []model.TrendOutcome{
		outcome(0.5, model.OutcomeOccurred),
		outcome(0.5, model.OutcomeDidNotOccur),
	}
	report = buildReport("", time.Time{}, time.Time{}, calibrated)
	assert.False(t, report.Overconfident)
	assert.False(t, report.Underconfident)
}

func TestBucketIndexEdges(t *testing.T) {
	assert.Equal(t, 0, bucketIndex(0))
	assert.Equal(t, 0, bucketIndex(0.099))
	assert.Equal(t, 1, bucketIndex(0.1))
	assert.Equal(t, 9, bucketIndex(0.999))
	assert.Equal(t, 9, bucketIndex(1.0))
}

func TestEvaluateDriftGatedOnMinResolved(t *testing.T) {
	report := buildReport("", time.Time{}, time.Time{}, []model.TrendOutcome{
		outcome(0.9, model.OutcomeDidNotOccur),
	})
	th := DriftThresholds{MinResolved: 10, BucketWarn: 0.15, BucketCritical: 0.25, BrierWarn: 0.25, BrierCritical: 0.35}
	assert.Nil(t, evaluateDrift(report, th))
}

func TestEvaluateDriftSeverities(t *testing.T) {
	var outcomes []model.TrendOutcome
	for range 10 {
		outcomes = append(outcomes, outcome(0.9, model.OutcomeDidNotOccur))
	}
	report := buildReport("t1", time.Time{}, time.Time{}, outcomes)
	th := DriftThresholds{MinResolved: 10, BucketWarn: 0.15, BucketCritical: 0.25, BrierWarn: 0.25, BrierCritical: 0.35}

	alerts := evaluateDrift(report, th)
	require.Len(t, alerts, 2)

	byKind := map[string]DriftAlert{}
	for _, a := range alerts {
		byKind[a.Kind] = a
	}
	// Bucket [0.9, 1.0) predicted 0.95, actual 0: error 0.95 → critical.
	assert.Equal(t, DriftCritical, byKind["bucket_error"].Severity)
	// Mean Brier 0.81 → critical.
	assert.Equal(t, DriftCritical, byKind["mean_brier"].Severity)
	assert.Equal(t, "t1", byKind["mean_brier"].TrendID)
}

func TestEvaluateDriftWarningBand(t *testing.T) {
	outcomes := []model.TrendOutcome{
		outcome(0.55, model.OutcomeOccurred),
		outcome(0.55, model.OutcomeDidNotOccur),
		outcome(0.55, model.OutcomeOccurred),
		outcome(0.55, model.OutcomeDidNotOccur),
	}
	// Bucket [0.5, 0.6): expected 0.55, actual 0.5 → error 0.05, below warn.
	// Mean Brier ≈ 0.2525 → warning only.
	report := buildReport("", time.Time{}, time.Time{}, outcomes)
	th := DriftThresholds{MinResolved: 4, BucketWarn: 0.15, BucketCritical: 0.25, BrierWarn: 0.25, BrierCritical: 0.35}

	alerts := evaluateDrift(report, th)
	require.Len(t, alerts, 1)
	assert.Equal(t, "mean_brier", alerts[0].Kind)
	assert.Equal(t, DriftWarning, alerts[0].Severity)
}
