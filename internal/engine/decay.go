// Package engine implements the Chronicle fact engine: entity resolution,
// the bitemporal fact service, episode recording, confidence scoring and
// decay, strategy selection, result fusion, and the query orchestrator that
// ties them together.
package engine

import (
	"math"
	"time"
)

// DecayFactor returns the exponential decay multiplier for a claim of the
// given age: 2^(-age/halfLife). The result is in (0,1]; non-positive ages
// and half-lives return 1.
func DecayFactor(age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Pow(2, -age.Hours()/halfLife.Hours())
}

// BoostToward moves c toward 1.0 by the fraction boost, capped at limit.
// It never lowers c:
//
//	c' = max(c, min(limit, c + (1-c)*boost))
func BoostToward(c, boost, limit float64) float64 {
	boosted := math.Min(limit, c+(1-c)*boost)
	return clamp01(math.Max(c, boosted))
}

// validDecayRate reports whether rate is usable as a decay multiplier.
func validDecayRate(rate float64) bool {
	return !math.IsNaN(rate) && rate > 0 && rate <= 1
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
