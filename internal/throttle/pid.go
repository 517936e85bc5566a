// Package throttle computes per-feature soft-degradation signals: a PID
// controller on BCU budget utilization producing a 0..1 throttle rate that
// applications read as a probabilistic drop hint, plus the reservoir update
// that feeds latency percentiles.
package throttle

import "math"

// PIDState is the controller cell under STATE:PID:{key}.
type PIDState struct {
	IntegralError float64 `json:"integral_error"`
	LastError     float64 `json:"last_error"`
	LastUpdateMs  int64   `json:"last_update_ms"`
	ThrottleRate  float64 `json:"throttle_rate"`
}

// Gains holds the controller tuning.
type Gains struct {
	Kp, Ki, Kd  float64
	Setpoint    float64 // target utilization, 1.0 = exactly on budget
	IntegralMin float64
	IntegralMax float64
}

// Update advances the controller one step given the observed utilization
// (batch BCU / BCU budget) at nowMs, and returns the new state with
// ThrottleRate set. Utilization is clamped to [0,2] so one absurd batch
// cannot slam the loop; the integral clamp is the anti-windup.
func Update(s PIDState, g Gains, utilization float64, nowMs int64) PIDState {
	u := math.Max(0, math.Min(2, utilization))
	errv := g.Setpoint - u

	dt := float64(nowMs-s.LastUpdateMs) / 1000.0
	if s.LastUpdateMs == 0 || dt <= 0 {
		dt = 1
	}

	integral := s.IntegralError + errv*dt
	integral = math.Max(g.IntegralMin, math.Min(g.IntegralMax, integral))

	derivative := (errv - s.LastError) / dt

	// Negative error (over budget) should raise the throttle, so the raw
	// output is the negated controller sum.
	raw := -(g.Kp*errv + g.Ki*integral + g.Kd*derivative)
	rate := math.Max(0, math.Min(1, raw))

	return PIDState{
		IntegralError: integral,
		LastError:     errv,
		LastUpdateMs:  nowMs,
		ThrottleRate:  rate,
	}
}
