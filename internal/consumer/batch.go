package consumer

import (
	"github.com/opsdeck/feature-governor/internal/feature"
)

// featureBatchState accumulates per-feature totals inside one batch so the
// degradation pass runs once per feature instead of once per message.
type featureBatchState struct {
	key           feature.Key
	cpuMsSamples  []float64
	bcuTotal      float64
	messageCount  int
	errorCount    int
	lastTimestamp int64
}

type batchStates map[string]*featureBatchState

func (s batchStates) get(k feature.Key) *featureBatchState {
	key := k.String()
	st, ok := s[key]
	if !ok {
		st = &featureBatchState{key: k}
		s[key] = st
	}
	return st
}
