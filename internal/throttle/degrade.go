package throttle

import (
	"context"
	"errors"
	"time"

	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/reservoir"
)

const (
	ModeShadow = "shadow"
	ModeActive = "active"

	stateTTL = 24 * time.Hour
)

// Controller runs the per-feature degradation pass after each batch: one
// reservoir update and at most one PID step per feature per update interval.
type Controller struct {
	store          *kvcs.Store
	gains          Gains
	mode           string
	updateInterval time.Duration
	bcuBudget      float64
}

func NewController(store *kvcs.Store, cfg config.PID, defaultBCUBudget float64) *Controller {
	return &Controller{
		store: store,
		gains: Gains{
			Kp: cfg.Kp, Ki: cfg.Ki, Kd: cfg.Kd,
			Setpoint:    cfg.Setpoint,
			IntegralMin: cfg.IntegralMin,
			IntegralMax: cfg.IntegralMax,
		},
		mode:           cfg.Mode,
		updateInterval: time.Duration(cfg.UpdateIntervalMs) * time.Millisecond,
		bcuBudget:      defaultBCUBudget,
	}
}

// Process runs the degradation pass for one feature after a batch. cpuMs
// carries that batch's cpu-ms samples, bcuTotal its summed BCU. Failures
// are logged and swallowed; degradation is advisory.
func (c *Controller) Process(ctx context.Context, k feature.Key, cpuMs []float64, bcuTotal float64, now time.Time) {
	if len(cpuMs) > 0 {
		c.updateReservoir(ctx, k, cpuMs, now)
	}
	c.updatePID(ctx, k, bcuTotal, now)
}

func (c *Controller) updateReservoir(ctx context.Context, k feature.Key, cpuMs []float64, now time.Time) {
	key := kvcs.ReservoirKey(k)
	res := reservoir.New(reservoir.DefaultCapacity)
	var saved reservoir.Reservoir
	err := c.store.GetJSON(ctx, key, &saved)
	if err == nil {
		res = reservoir.Restore(&saved, reservoir.DefaultCapacity)
	} else if !errors.Is(err, kvcs.ErrNotFound) {
		c.swallow(k, "read_reservoir", err)
		return
	}
	for _, v := range cpuMs {
		res.Add(v, now.UnixMilli())
	}
	if err := c.store.PutJSON(ctx, key, res, stateTTL); err != nil {
		c.swallow(k, "write_reservoir", err)
		return
	}
	observ.Observe("cpu_ms_p95", res.Percentile(95), map[string]string{"project": k.Project})
}

func (c *Controller) updatePID(ctx context.Context, k feature.Key, bcuTotal float64, now time.Time) {
	key := kvcs.PIDKey(k)
	var state PIDState
	err := c.store.GetJSON(ctx, key, &state)
	if err != nil && !errors.Is(err, kvcs.ErrNotFound) {
		c.swallow(k, "read_pid", err)
		return
	}
	nowMs := now.UnixMilli()
	if state.LastUpdateMs != 0 && nowMs-state.LastUpdateMs < c.updateInterval.Milliseconds() {
		return
	}

	utilization := 0.0
	if c.bcuBudget > 0 {
		utilization = bcuTotal / c.bcuBudget
	}
	next := Update(state, c.gains, utilization, nowMs)

	observ.Log("pid_update", map[string]any{
		"feature_key":   k.String(),
		"mode":          c.mode,
		"utilization":   utilization,
		"throttle_rate": next.ThrottleRate,
		"integral":      next.IntegralError,
	})
	observ.SetGauge("throttle_rate", next.ThrottleRate, map[string]string{"feature": k.String()})

	// Shadow mode computes and logs the loop but publishes a zero rate so
	// applications see no throttling during rollout.
	if c.mode != ModeActive {
		next.ThrottleRate = 0
	}
	if err := c.store.PutJSON(ctx, key, next, stateTTL); err != nil {
		c.swallow(k, "write_pid", err)
	}
}

// Rate reads the live throttle rate for a feature, zero when absent.
func (c *Controller) Rate(ctx context.Context, k feature.Key) (float64, error) {
	var state PIDState
	err := c.store.GetJSON(ctx, kvcs.PIDKey(k), &state)
	if errors.Is(err, kvcs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.ThrottleRate, nil
}

func (c *Controller) swallow(k feature.Key, op string, err error) {
	observ.IncCounter("enforcement_errors_total", map[string]string{"op": op})
	observ.Log("throttle_error", map[string]any{
		"feature_key": k.String(), "op": op, "error": err.Error(),
	})
}
