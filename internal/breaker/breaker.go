// Package breaker owns the per-feature circuit breaker: a GO/STOP flag in
// the control store that applications read on their request hot path, plus
// an event trail in the warehouse. Absence of the flag means GO.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

const (
	EventTrip          = "trip"
	EventReset         = "reset"
	EventManualDisable = "manual_disable"
	EventManualEnable  = "manual_enable"
)

// Notifier pages an operator about a trip. *alerts.Alerter implements it;
// a nil notifier means trips only log and record events.
type Notifier interface {
	BreakerTripped(ctx context.Context, k feature.Key, reason, violatedResource string, current, limit float64, now time.Time) bool
}

// Engine mutates breaker state. The budget enforcers, the auto-reset sweep
// and the admin surface are its only callers.
type Engine struct {
	store     *kvcs.Store
	db        *warehouse.DB
	autoReset time.Duration // 0 disables automatic recovery
	notifier  Notifier
}

func NewEngine(store *kvcs.Store, db *warehouse.DB, autoReset time.Duration) *Engine {
	return &Engine{store: store, db: db, autoReset: autoReset}
}

// SetNotifier attaches the operator alert path. A trip is a P0: a feature
// is hard-stopped until reset.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Status returns GO or STOP for a feature with a single store read.
func (e *Engine) Status(ctx context.Context, k feature.Key) (string, error) {
	return e.store.FeatureStatus(ctx, k)
}

// Trip flips a feature to STOP after a budget violation and records the
// trip event. Tripping an already-stopped feature is a no-op so a burst of
// over-limit messages yields one event, not hundreds.
func (e *Engine) Trip(ctx context.Context, k feature.Key, reason, violatedResource string, current, limit float64) error {
	status, err := e.store.FeatureStatus(ctx, k)
	if err != nil {
		return fmt.Errorf("breaker: read status: %w", err)
	}
	if status == kvcs.StatusStop {
		return nil
	}
	now := time.Now().UTC()
	var resetAt time.Time
	if e.autoReset > 0 {
		resetAt = now.Add(e.autoReset)
	}
	if err := e.store.SetStop(ctx, k, reason, now, resetAt); err != nil {
		return fmt.Errorf("breaker: trip: %w", err)
	}
	observ.IncCounter("breaker_trips_total", map[string]string{"resource": violatedResource})
	observ.Log("breaker_tripped", map[string]any{
		"feature_key":       k.String(),
		"reason":            reason,
		"violated_resource": violatedResource,
		"current_value":     current,
		"budget_limit":      limit,
		"auto_reset_at":     resetAt.Format(time.RFC3339),
	})
	alertSent := false
	if e.notifier != nil {
		alertSent = e.notifier.BreakerTripped(ctx, k, reason, violatedResource, current, limit, now)
	}
	return e.db.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
		Key:              k,
		EventType:        EventTrip,
		Reason:           reason,
		ViolatedResource: violatedResource,
		CurrentValue:     current,
		BudgetLimit:      limit,
		AutoReset:        !resetAt.IsZero(),
		AlertSent:        alertSent,
		CreatedAt:        now,
	})
}

// ManualDisable stops a feature with no auto-reset; only ManualEnable
// recovers it.
func (e *Engine) ManualDisable(ctx context.Context, k feature.Key, user, reason string) error {
	now := time.Now().UTC()
	if err := e.store.SetStop(ctx, k, reason, now, time.Time{}); err != nil {
		return fmt.Errorf("breaker: manual disable: %w", err)
	}
	observ.Log("breaker_manual_disable", map[string]any{
		"feature_key": k.String(), "user": user, "reason": reason,
	})
	return e.db.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
		Key:       k,
		EventType: EventManualDisable,
		Reason:    fmt.Sprintf("user=%s %s", user, reason),
		CreatedAt: now,
	})
}

// ManualEnable returns a feature to GO regardless of how it stopped.
func (e *Engine) ManualEnable(ctx context.Context, k feature.Key, user string) error {
	now := time.Now().UTC()
	if err := e.store.ClearStop(ctx, k); err != nil {
		return fmt.Errorf("breaker: manual enable: %w", err)
	}
	observ.Log("breaker_manual_enable", map[string]any{
		"feature_key": k.String(), "user": user,
	})
	return e.db.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
		Key:       k,
		EventType: EventManualEnable,
		Reason:    "user=" + user,
		CreatedAt: now,
	})
}

// SweepAutoResets clears STOP flags whose auto-reset time has passed.
// Manual disables carry no auto-reset time and are skipped. Returns the
// number of features recovered.
func (e *Engine) SweepAutoResets(ctx context.Context, now time.Time) (int, error) {
	flags, err := e.store.StopFlags(ctx)
	if err != nil {
		return 0, fmt.Errorf("breaker: sweep: %w", err)
	}
	reset := 0
	for _, f := range flags {
		if f.AutoResetAt.IsZero() || now.Before(f.AutoResetAt) {
			continue
		}
		if err := e.store.ClearStop(ctx, f.Key); err != nil {
			observ.Log("breaker_reset_error", map[string]any{
				"feature_key": f.Key.String(), "error": err.Error(),
			})
			continue
		}
		reset++
		observ.IncCounter("breaker_resets_total", nil)
		observ.Log("breaker_auto_reset", map[string]any{
			"feature_key": f.Key.String(),
			"tripped_for": now.Sub(f.DisabledAt).String(),
		})
		if err := e.db.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
			Key:       f.Key,
			EventType: EventReset,
			Reason:    "auto_reset",
			AutoReset: true,
			CreatedAt: now,
		}); err != nil {
			observ.Log("breaker_reset_event_error", map[string]any{
				"feature_key": f.Key.String(), "error": err.Error(),
			})
		}
	}
	return reset, nil
}
