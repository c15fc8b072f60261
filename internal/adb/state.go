package adb

import "math"

// decayRate applies the exponential weight for an elapsed age, then
// blends in the new observation. This is the sole place stat[w].Rate is
// mutated: weight = exp(-age/tau); stat[w] <- stat[w]*weight +
// success*(1-weight).
//
// The attempt counter alongside it (windowStat.Attempts) is deliberately
// not decayed by elapsed time: it is a simple count of probes seen since
// the peer was promoted, seeded at 1 by promotion and incremented by 1
// on every subsequent ResultMany call against the peer, independent of
// window. Decaying it the same way as Rate would make it asymptotically
// approach 1 and never clear the ladder's higher MinAttempts rungs (4,
// 8, 16, 32) at realistic probe cadences; see DESIGN.md.
func decayRate(s *windowStat, ageSeconds float64, tau float64, success bool) {
	weight := math.Exp(-ageSeconds / tau)
	var obs float64
	if success {
		obs = 1
	}
	s.Rate = s.Rate*weight + obs*(1-weight)
	if s.Rate < 0 {
		s.Rate = 0
	}
	if s.Rate > 1 {
		s.Rate = 1
	}
}

// isGood reports whether a tracked peer currently counts as reachable:
// minimum client version, minimum chain height (within tolerance K),
// and at least one ladder rung satisfied.
func isGood(r *Record, minClientVersion, minBlocks, blocksTolerance int32) bool {
	if !r.tracked {
		return false
	}
	if r.ClientVersion < minClientVersion {
		return false
	}
	if r.Blocks < minBlocks-blocksTolerance {
		return false
	}
	for _, rung := range reliabilityLadder {
		ws := r.Stat[rung.Window]
		if ws.Attempts >= rung.MinAttempts && ws.Rate >= rung.MinRate {
			return true
		}
	}
	return false
}
