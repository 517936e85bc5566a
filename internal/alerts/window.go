package alerts

import (
	"sync"
	"time"
)

// rateWindow tracks per-feature request and error timestamps over a sliding
// window so the alerter can compute windowed error rates. Unsampled errors
// are recorded too; sampling only gates persistence, never alert math.
type rateWindow struct {
	mu       sync.Mutex
	window   time.Duration
	requests map[string][]time.Time
	errors   map[string][]time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{
		window:   window,
		requests: make(map[string][]time.Time),
		errors:   make(map[string][]time.Time),
	}
}

func (w *rateWindow) record(featureKey string, isError bool, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests[featureKey] = append(prune(w.requests[featureKey], now.Add(-w.window)), now)
	if isError {
		w.errors[featureKey] = append(prune(w.errors[featureKey], now.Add(-w.window)), now)
	}
}

// rate returns (error rate, total requests) for a feature over the window.
func (w *rateWindow) rate(featureKey string, now time.Time) (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.window)
	w.requests[featureKey] = prune(w.requests[featureKey], cutoff)
	w.errors[featureKey] = prune(w.errors[featureKey], cutoff)
	total := len(w.requests[featureKey])
	if total == 0 {
		return 0, 0
	}
	return float64(len(w.errors[featureKey])) / float64(total), total
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
