package pricing

import (
	"math"

	"github.com/opsdeck/feature-governor/internal/usage"
)

// RoundUSD rounds to 6 decimal places. Every persisted USD amount goes
// through this so repeated accumulation cannot drift.
func RoundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Cost maps a metric bundle into USD using the unit price table. The
// returned breakdown holds the per-resource contribution for resources
// with a nonzero price and count.
func Cost(b usage.Bundle) (float64, map[usage.Resource]float64) {
	total := 0.0
	breakdown := make(map[usage.Resource]float64)
	for r, v := range b {
		if v == 0 {
			continue
		}
		p := unitPriceUSD[r]
		if p == 0 {
			continue
		}
		c := float64(v) * p
		breakdown[r] = RoundUSD(c)
		total += c
	}
	return RoundUSD(total), breakdown
}
