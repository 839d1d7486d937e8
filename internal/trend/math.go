// Package trend is the probability engine: it converts structured
// evidence into log-odds deltas, mutates trend state under row locks,
// decays quiet trends toward baseline, snapshots the time series, and
// reverses invalidated evidence.
//
// All persisted state is log-odds; probabilities exist only at the
// edges, clamped away from 0 and 1 so log-odds stay finite.
package trend

import "math"

// Logit converts a probability to log-odds.
func Logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

// Sigmoid converts log-odds to a probability.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TemporalDecay is the half-life falloff applied to aged evidence and
// to the baseline pull of quiet trends.
func TemporalDecay(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

// NoveltyFactor discounts repeat evidence for the same (trend, event)
// pair: full weight first, half second, quarter after.
func NoveltyFactor(priorEvidenceCount int) float64 {
	switch {
	case priorEvidenceCount <= 0:
		return 1.0
	case priorEvidenceCount == 1:
		return 0.5
	default:
		return 0.25
	}
}
