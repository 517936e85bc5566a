package collector

import "fmt"

// Mode is the collection cadence gate: the value is the hour stride, so
// MINIMAL runs once a day. Chosen from the rolling warehouse write budget.
type Mode int

const (
	ModeFull    Mode = 1
	ModeHalf    Mode = 2
	ModeQuarter Mode = 4
	ModeMinimal Mode = 24
)

// Thresholds on writes/limit ratio for stepping the mode down.
const (
	halfThreshold    = 0.6
	quarterThreshold = 0.8
	minimalThreshold = 0.9
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModeHalf:
		return "HALF"
	case ModeQuarter:
		return "QUARTER"
	case ModeMinimal:
		return "MINIMAL"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ModeFor picks the cadence from the 24h write count against the write
// limit.
func ModeFor(writes24h, writeLimit int64) Mode {
	if writeLimit <= 0 {
		return ModeFull
	}
	ratio := float64(writes24h) / float64(writeLimit)
	switch {
	case ratio >= minimalThreshold:
		return ModeMinimal
	case ratio >= quarterThreshold:
		return ModeQuarter
	case ratio >= halfThreshold:
		return ModeHalf
	default:
		return ModeFull
	}
}

// ShouldRun reports whether a collection scheduled at hour h runs under
// mode m. FULL always runs; MINIMAL only at midnight.
func (m Mode) ShouldRun(hour int) bool {
	return hour%int(m) == 0
}
