package budget

import (
	"context"
	"fmt"

	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/usage"
)

// Enforcer rolls per-resource counters and trips the breaker when a window
// total exceeds limit × hard-limit multiplier. The multiplier leaves
// headroom between warning and hard stop and absorbs the short
// read-modify-write race between consumer instances.
type Enforcer struct {
	store      *kvcs.Store
	breaker    *breaker.Engine
	resolver   *Resolver
	multiplier float64
}

func NewEnforcer(store *kvcs.Store, brk *breaker.Engine, resolver *Resolver, multiplier float64) *Enforcer {
	return &Enforcer{store: store, breaker: brk, resolver: resolver, multiplier: multiplier}
}

// Apply rolls hourly and daily counters for every nonzero resource in the
// bundle and trips on the first violation. It never returns an error: a
// telemetry message must land even when enforcement is broken.
func (e *Enforcer) Apply(ctx context.Context, k feature.Key, b usage.Bundle) {
	limits, found, err := e.resolver.Limits(ctx, k)
	if err != nil {
		e.swallow(k, "resolve_limits", err)
		return
	}
	for _, r := range usage.All {
		v := b.Get(r)
		if v == 0 {
			continue
		}
		for _, w := range []kvcs.Window{kvcs.WindowHourly, kvcs.WindowDaily} {
			curr, err := e.store.IncrCounter(ctx, k, string(r), w, v)
			if err != nil {
				e.swallow(k, "incr_counter", err)
				continue
			}
			if !found {
				continue
			}
			limit := limits.For(r, w)
			if limit <= 0 {
				continue
			}
			hard := float64(limit) * e.multiplier
			if float64(curr) > hard {
				reason := fmt.Sprintf("%s=%d>%s limit %d", r, curr, w, limit)
				if err := e.breaker.Trip(ctx, k, reason, string(r), float64(curr), float64(limit)); err != nil {
					e.swallow(k, "trip", err)
				}
			}
		}
	}
}

func (e *Enforcer) swallow(k feature.Key, op string, err error) {
	observ.IncCounter("enforcement_errors_total", map[string]string{"op": op})
	observ.Log("budget_enforcement_error", map[string]any{
		"feature_key": k.String(), "op": op, "error": err.Error(),
	})
}
