// Package budget enforces per-feature resource and cost budgets. It rolls
// counters in the control store on every telemetry message and trips the
// circuit breaker when a limit is exceeded. Enforcement failures never
// propagate to the telemetry write path.
package budget

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/usage"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

// WindowLimits holds the hourly and daily caps for one resource. Zero means
// no cap for that window.
type WindowLimits struct {
	Hourly int64 `json:"hourly,omitempty"`
	Daily  int64 `json:"daily,omitempty"`
}

// Limits is the per-feature budget read from CONFIG:FEATURE:{key}:BUDGET.
type Limits map[usage.Resource]WindowLimits

// For returns the cap for a resource and window, zero when uncapped.
func (l Limits) For(r usage.Resource, w kvcs.Window) int64 {
	wl, ok := l[r]
	if !ok {
		return 0
	}
	if w == kvcs.WindowDaily {
		return wl.Daily
	}
	return wl.Hourly
}

// CostBudget is the per-feature USD cap read from
// CONFIG:FEATURE:{key}:COST_BUDGET.
type CostBudget struct {
	DailyLimitUSD     float64 `json:"daily_limit_usd"`
	AlertThresholdPct float64 `json:"alert_threshold_pct,omitempty"`
}

// Resolver looks up budgets: the control store is the live source, the
// feature registry supplies catalog defaults for features without a cell.
type Resolver struct {
	store *kvcs.Store
	db    *warehouse.DB
}

func NewResolver(store *kvcs.Store, db *warehouse.DB) *Resolver {
	return &Resolver{store: store, db: db}
}

// Limits resolves resource limits for a feature; found=false means the
// feature has no budget anywhere and nothing is enforced.
func (r *Resolver) Limits(ctx context.Context, k feature.Key) (Limits, bool, error) {
	var l Limits
	err := r.store.GetJSON(ctx, kvcs.BudgetKey(k), &l)
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, kvcs.ErrNotFound) {
		return nil, false, err
	}
	entry, ok, err := r.db.RegistryEntryFor(ctx, k)
	if err != nil || !ok || entry.DailyLimitsJSON == "" {
		return nil, false, err
	}
	var daily map[usage.Resource]int64
	if err := json.Unmarshal([]byte(entry.DailyLimitsJSON), &daily); err != nil {
		return nil, false, err
	}
	l = make(Limits, len(daily))
	for res, cap := range daily {
		l[res] = WindowLimits{Daily: cap}
	}
	return l, len(l) > 0, nil
}

// CostBudget resolves the USD cap, falling back to the platform default.
func (r *Resolver) CostBudget(ctx context.Context, k feature.Key, defaultDailyUSD float64) (CostBudget, error) {
	var cb CostBudget
	err := r.store.GetJSON(ctx, kvcs.CostBudgetKey(k), &cb)
	if err == nil {
		return cb, nil
	}
	if !errors.Is(err, kvcs.ErrNotFound) {
		return cb, err
	}
	return CostBudget{DailyLimitUSD: defaultDailyUSD}, nil
}
