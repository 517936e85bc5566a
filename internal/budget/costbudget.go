package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/pricing"
)

// accumulated is the rolling-window cell under STATE:COST:{key}:ACCUMULATED.
type accumulated struct {
	Cost        float64 `json:"cost"`
	WindowStart int64   `json:"windowStart"` // ms
}

// CostEnforcer accumulates per-feature USD over a rolling 24h window and
// trips the breaker when the total exceeds the daily limit. Each persisted
// value is rounded to 6 decimals so thousands of small additions cannot
// drift the float.
type CostEnforcer struct {
	store           *kvcs.Store
	breaker         *breaker.Engine
	resolver        *Resolver
	window          time.Duration
	defaultDailyUSD float64
}

func NewCostEnforcer(store *kvcs.Store, brk *breaker.Engine, resolver *Resolver, window time.Duration, defaultDailyUSD float64) *CostEnforcer {
	return &CostEnforcer{
		store: store, breaker: brk, resolver: resolver,
		window: window, defaultDailyUSD: defaultDailyUSD,
	}
}

// Apply adds costUSD to the feature's rolling window, resetting it when the
// window has rolled over. Like the resource enforcer it never returns an
// error to the caller.
func (e *CostEnforcer) Apply(ctx context.Context, k feature.Key, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	now := time.Now()
	key := kvcs.AccumulatedCostKey(k)

	var acc accumulated
	err := e.store.GetJSON(ctx, key, &acc)
	switch {
	case errors.Is(err, kvcs.ErrNotFound):
		acc = accumulated{WindowStart: now.UnixMilli()}
	case err != nil:
		e.swallow(k, "read_accumulated", err)
		return
	case now.Sub(time.UnixMilli(acc.WindowStart)) >= e.window:
		acc = accumulated{WindowStart: now.UnixMilli()}
	}

	acc.Cost = pricing.RoundUSD(acc.Cost + costUSD)
	if err := e.store.PutJSON(ctx, key, acc, e.window+time.Hour); err != nil {
		e.swallow(k, "write_accumulated", err)
		return
	}

	cb, err := e.resolver.CostBudget(ctx, k, e.defaultDailyUSD)
	if err != nil {
		e.swallow(k, "resolve_cost_budget", err)
		return
	}
	if cb.DailyLimitUSD > 0 && acc.Cost > cb.DailyLimitUSD {
		reason := fmt.Sprintf("cost_usd=%.6f>limit %.2f", acc.Cost, cb.DailyLimitUSD)
		if err := e.breaker.Trip(ctx, k, reason, "cost_usd", acc.Cost, cb.DailyLimitUSD); err != nil {
			e.swallow(k, "trip", err)
		}
	}
}

// Accumulated reads the current window total, zero when absent.
func (e *CostEnforcer) Accumulated(ctx context.Context, k feature.Key) (float64, error) {
	var acc accumulated
	err := e.store.GetJSON(ctx, kvcs.AccumulatedCostKey(k), &acc)
	if errors.Is(err, kvcs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if time.Since(time.UnixMilli(acc.WindowStart)) >= e.window {
		return 0, nil
	}
	return acc.Cost, nil
}

func (e *CostEnforcer) swallow(k feature.Key, op string, err error) {
	observ.IncCounter("enforcement_errors_total", map[string]string{"op": op})
	observ.Log("cost_enforcement_error", map[string]any{
		"feature_key": k.String(), "op": op, "error": err.Error(),
	})
}
