package trend

import (
	"math"

	"github.com/horadus-ai/horadus/internal/model"
)

// corroborationCap bounds how much multi-source confirmation can
// amplify a delta.
const corroborationCap = 3.0

// contradictionPenalty discounts events whose linked reporting
// disagrees with itself.
const contradictionPenalty = 0.7

// CorroborationScore measures how independently confirmed an event is,
// in [~0.7, 3.0].
//
// Sources are grouped by (tier, reporting_type). Firsthand sources
// each count in full; secondary and aggregator groups of the same tier
// are assumed correlated (syndication, republication) and contribute
// √n for a group of n. The fallback for events without source profiles
// is min(√unique_source_count, cap).
func CorroborationScore(profiles []model.EventSourceProfile, hasContradictions bool, uniqueSourceCount int) float64 {
	var score float64
	if len(profiles) == 0 {
		score = math.Sqrt(float64(max(uniqueSourceCount, 1)))
	} else {
		type groupKey struct {
			tier      model.SourceTier
			reporting model.ReportingType
		}
		groups := make(map[groupKey]int)
		seen := make(map[string]bool, len(profiles))
		for _, p := range profiles {
			// An outlet linked via several items still counts once.
			if seen[p.SourceID.String()] {
				continue
			}
			seen[p.SourceID.String()] = true
			groups[groupKey{p.Tier, p.ReportingType}]++
		}

		for key, n := range groups {
			if key.reporting == model.ReportingFirsthand {
				score += float64(n)
			} else {
				score += math.Sqrt(float64(n))
			}
		}
	}

	score = clamp(score, 1, corroborationCap)
	if hasContradictions {
		score *= contradictionPenalty
	}
	return score
}
