package pricing

import "github.com/opsdeck/feature-governor/internal/usage"

// bcuWeight is the scarcity weight per resource unit. Weights are scaled
// so that one relational write is one BCU; scarcer resources weigh more.
var bcuWeight = map[usage.Resource]float64{
	usage.RelationalWrites:    1.0,
	usage.RelationalReads:     0.1,
	usage.CacheReads:          0.05,
	usage.CacheWrites:         5.0,
	usage.CacheDeletes:        5.0,
	usage.CacheLists:          5.0,
	usage.ObjectClassA:        4.5,
	usage.ObjectClassB:        0.36,
	usage.InferenceUnits:      11.0,
	usage.InferenceRequests:   0.5,
	usage.QueueMessages:       0.4,
	usage.ComputeRequests:     0.3,
	usage.CPUMs:               0.02,
	usage.VectorQueries:       1.0,
	usage.VectorInserts:       5.0,
	usage.DORequests:          0.15,
	usage.DOGBSeconds:         0.0125,
	usage.WorkflowInvocations: 0.3,
}

// BCUBreakdown is the scarcity-weighted scalar for a bundle plus the
// resource that contributed the largest share of it.
type BCUBreakdown struct {
	Total       float64        `json:"total"`
	Dominant    usage.Resource `json:"dominant"`
	DominantPct float64        `json:"dominant_pct"`
}

// BCU computes the Budget Consumption Unit total for a bundle. The
// computation is a weighted sum, so BCU(a)+BCU(b) == BCU(a.Add(b)).
func BCU(b usage.Bundle) BCUBreakdown {
	var out BCUBreakdown
	var maxContribution float64
	for r, v := range b {
		if v == 0 {
			continue
		}
		c := bcuWeight[r] * float64(v)
		out.Total += c
		if c > maxContribution {
			maxContribution = c
			out.Dominant = r
		}
	}
	if out.Total > 0 {
		out.DominantPct = 100 * maxContribution / out.Total
	}
	return out
}

// BCUWeight returns the scarcity weight for r.
func BCUWeight(r usage.Resource) float64 { return bcuWeight[r] }
