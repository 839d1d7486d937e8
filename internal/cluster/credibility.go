package cluster

import "github.com/horadus-ai/horadus/internal/model"

// Multipliers applied to a source's base credibility score. Unknown
// values multiply by 1.0 so misconfigured sources degrade gracefully
// instead of zeroing out evidence.

var tierMultipliers = map[model.SourceTier]float64{
	model.TierPrimary:       1.0,
	model.TierWire:          0.95,
	model.TierMajor:         0.85,
	model.TierRegional:      0.70,
	model.TierAggregatorSrc: 0.50,
}

var reportingMultipliers = map[model.ReportingType]float64{
	model.ReportingFirsthand:  1.0,
	model.ReportingSecondary:  0.70,
	model.ReportingAggregator: 0.40,
}

// EffectiveCredibility combines a source's base credibility with its
// tier and reporting-type multipliers, clamped to [0,1].
func EffectiveCredibility(base float64, tier model.SourceTier, reportingType model.ReportingType) float64 {
	m := base
	if f, ok := tierMultipliers[tier]; ok {
		m *= f
	}
	if f, ok := reportingMultipliers[reportingType]; ok {
		m *= f
	}
	if m < 0 {
		return 0
	}
	if m > 1 {
		return 1
	}
	return m
}
