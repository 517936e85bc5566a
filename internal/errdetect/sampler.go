package errdetect

import "math/rand"

// neverSample categories are always persisted regardless of batch pressure;
// losing a breaker, auth or internal error would hide exactly the incidents
// the platform exists to surface.
var neverSample = map[Category]bool{
	CircuitBreaker: true,
	Auth:           true,
	Internal:       true,
}

// Sampler decides whether error events are persisted during a batch. Once
// the batch error rate crosses the trigger threshold it keeps only a random
// fraction, cutting warehouse write amplification during incidents. Alert
// rate math is independent: unsampled errors still count.
type Sampler struct {
	TriggerThreshold float64
	SampleRate       float64

	TotalMessages  int
	TotalErrors    int
	SampledErrors  int
	SamplingActive bool

	rng *rand.Rand
}

func NewSampler(triggerThreshold, sampleRate float64) *Sampler {
	return &Sampler{TriggerThreshold: triggerThreshold, SampleRate: sampleRate}
}

// SetRand injects a deterministic source; tests use this.
func (s *Sampler) SetRand(rng *rand.Rand) { s.rng = rng }

func (s *Sampler) random() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}

// ObserveMessage counts one processed message toward the batch rate.
func (s *Sampler) ObserveMessage() { s.TotalMessages++ }

// ShouldPersist counts one error and reports whether its event row should
// be written.
func (s *Sampler) ShouldPersist(category Category) bool {
	s.TotalErrors++
	if neverSample[category] {
		s.SampledErrors++
		return true
	}
	if s.TotalMessages == 0 {
		s.SampledErrors++
		return true
	}
	rate := float64(s.TotalErrors) / float64(s.TotalMessages)
	if rate < s.TriggerThreshold {
		s.SampledErrors++
		return true
	}
	s.SamplingActive = true
	if s.random() < s.SampleRate {
		s.SampledErrors++
		return true
	}
	return false
}

// ErrorRate returns the running batch error rate.
func (s *Sampler) ErrorRate() float64 {
	if s.TotalMessages == 0 {
		return 0
	}
	return float64(s.TotalErrors) / float64(s.TotalMessages)
}
