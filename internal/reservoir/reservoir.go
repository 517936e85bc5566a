// Package reservoir implements an Algorithm R latency sampler: a fixed-size
// uniform sample over an unbounded stream in O(1) memory, with nearest-rank
// percentiles computed from the sample on demand.
package reservoir

import (
	"math"
	"math/rand"
	"sort"
)

// DefaultCapacity is the fixed sample size used for per-feature cpu-ms
// reservoirs.
const DefaultCapacity = 100

// Reservoir holds the sampler state. The exported fields round-trip
// through the KVCS JSON cell.
type Reservoir struct {
	Samples      []float64 `json:"samples"`
	TotalSeen    int64     `json:"total_seen"`
	LastUpdateMs int64     `json:"last_update_ms"`

	capacity int
	rng      *rand.Rand
	sorted   []float64 // percentile cache, nil when stale
}

// New returns an empty reservoir with the given capacity.
func New(capacity int) *Reservoir {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Reservoir{capacity: capacity}
}

// Restore rebinds deserialized state to a usable reservoir. Samples beyond
// capacity are truncated, which only happens if the capacity was lowered.
func Restore(r *Reservoir, capacity int) *Reservoir {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r.capacity = capacity
	if len(r.Samples) > capacity {
		r.Samples = r.Samples[:capacity]
	}
	r.sorted = nil
	return r
}

// SetRand injects a deterministic source; tests use this.
func (r *Reservoir) SetRand(rng *rand.Rand) { r.rng = rng }

func (r *Reservoir) random() float64 {
	if r.rng != nil {
		return r.rng.Float64()
	}
	return rand.Float64()
}

// Add offers one observation to the reservoir. Below capacity it is always
// kept; past capacity it replaces a uniformly chosen slot with probability
// capacity/TotalSeen, which keeps every seen value equally likely to be in
// the sample.
func (r *Reservoir) Add(v float64, nowMs int64) {
	r.TotalSeen++
	r.LastUpdateMs = nowMs
	r.sorted = nil
	if len(r.Samples) < r.capacity {
		r.Samples = append(r.Samples, v)
		return
	}
	if r.random() < float64(r.capacity)/float64(r.TotalSeen) {
		slot := int(r.random() * float64(r.capacity))
		if slot >= r.capacity {
			slot = r.capacity - 1
		}
		r.Samples[slot] = v
	}
}

// Percentile returns the nearest-rank percentile p in [0,100] over the
// current sample, zero when empty.
func (r *Reservoir) Percentile(p float64) float64 {
	if len(r.Samples) == 0 {
		return 0
	}
	if r.sorted == nil {
		r.sorted = make([]float64, len(r.Samples))
		copy(r.sorted, r.Samples)
		sort.Float64s(r.sorted)
	}
	if p <= 0 {
		return r.sorted[0]
	}
	// Nearest rank: ceil(p/100 * n), 1-based.
	rank := int(math.Ceil(p/100*float64(len(r.sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(r.sorted) {
		rank = len(r.sorted) - 1
	}
	return r.sorted[rank]
}

// Len returns the current sample size.
func (r *Reservoir) Len() int { return len(r.Samples) }
