package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/feature-governor/internal/feature"
)

// BreakerEvent is one circuit-breaker transition row.
type BreakerEvent struct {
	ID               string
	Key              feature.Key
	EventType        string // trip | reset | manual_disable | manual_enable
	Reason           string
	ViolatedResource string
	CurrentValue     float64
	BudgetLimit      float64
	AutoReset        bool
	AlertSent        bool
	CreatedAt        time.Time
}

func (d *DB) InsertBreakerEvent(ctx context.Context, ev BreakerEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO feature_circuit_breaker_events
			(id, feature_key, event_type, reason, violated_resource,
			 current_value, budget_limit, auto_reset, alert_sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Key.String(), ev.EventType, ev.Reason, ev.ViolatedResource,
		ev.CurrentValue, ev.BudgetLimit, boolInt(ev.AutoReset), boolInt(ev.AlertSent),
		ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("warehouse: insert breaker event: %w", err)
	}
	return nil
}

// BreakerEvents lists recent events, newest first, optionally for one feature.
func (d *DB) BreakerEvents(ctx context.Context, featureKey string, limit int) ([]BreakerEvent, error) {
	q := `SELECT id, feature_key, event_type, reason, violated_resource,
			current_value, budget_limit, auto_reset, alert_sent, created_at
		FROM feature_circuit_breaker_events`
	args := []any{}
	if featureKey != "" {
		q += ` WHERE feature_key = ?`
		args = append(args, featureKey)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: breaker events: %w", err)
	}
	defer rows.Close()
	var out []BreakerEvent
	for rows.Next() {
		var ev BreakerEvent
		var key string
		var autoReset, alertSent int
		var createdMs int64
		if err := rows.Scan(&ev.ID, &key, &ev.EventType, &ev.Reason, &ev.ViolatedResource,
			&ev.CurrentValue, &ev.BudgetLimit, &autoReset, &alertSent, &createdMs); err != nil {
			return nil, err
		}
		ev.Key, _ = feature.Parse(key)
		ev.AutoReset = autoReset != 0
		ev.AlertSent = alertSent != 0
		ev.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ErrorEvent is one classified application error, retained 7 days.
type ErrorEvent struct {
	ID            string
	Key           feature.Key
	Category      string
	Code          string
	CorrelationID string
	Priority      string // P0 | P1 | P2
	CreatedAt     time.Time
}

func (d *DB) InsertErrorEvent(ctx context.Context, ev ErrorEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO feature_error_events
			(id, feature_key, category, code, correlation_id, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Key.String(), ev.Category, ev.Code, ev.CorrelationID,
		ev.Priority, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("warehouse: insert error event: %w", err)
	}
	return nil
}

// ErrorGroup is one (feature, category) aggregate used by digests.
type ErrorGroup struct {
	FeatureKey string
	Category   string
	Count      int64
}

// ErrorGroupsSince aggregates error events created after `since`, excluding
// the given priority (P1 digests exclude P0s), largest groups first.
func (d *DB) ErrorGroupsSince(ctx context.Context, since time.Time, excludePriority string, limit int) ([]ErrorGroup, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT feature_key, category, COUNT(*) AS n
		FROM feature_error_events
		WHERE created_at >= ? AND priority != ?
		GROUP BY feature_key, category
		ORDER BY n DESC LIMIT ?`,
		since.UnixMilli(), excludePriority, limit)
	if err != nil {
		return nil, fmt.Errorf("warehouse: error groups: %w", err)
	}
	defer rows.Close()
	var out []ErrorGroup
	for rows.Next() {
		var g ErrorGroup
		if err := rows.Scan(&g.FeatureKey, &g.Category, &g.Count); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DistinctErrorTypesSince counts distinct (category, code) pairs for the
// daily summary.
func (d *DB) DistinctErrorTypesSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := d.sql.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT category || ':' || code)
		FROM feature_error_events WHERE created_at >= ?`,
		since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("warehouse: distinct error types: %w", err)
	}
	return n, nil
}

// DeleteErrorEventsBefore enforces the 7-day error retention.
func (d *DB) DeleteErrorEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx,
		`DELETE FROM feature_error_events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("warehouse: error retention: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WindowDelta carries per-message increments into a 5-minute error-budget
// window row.
type WindowDelta struct {
	Success    int64
	Errors     int64
	Validation int64
	Network    int64
	Internal   int64
	Timeout    int64
	Other      int64
}

// UpsertErrorBudgetWindow folds a delta into the (feature, window) row.
// Counter addition keeps the upsert commutative across consumers.
func (d *DB) UpsertErrorBudgetWindow(ctx context.Context, k feature.Key, windowStart, windowEnd time.Time, delta WindowDelta) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO error_budget_windows
			(feature_key, window_start, window_end, success_count, error_count,
			 validation_errors, network_errors, internal_errors, timeout_errors, other_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feature_key, window_start) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			error_count = error_count + excluded.error_count,
			validation_errors = validation_errors + excluded.validation_errors,
			network_errors = network_errors + excluded.network_errors,
			internal_errors = internal_errors + excluded.internal_errors,
			timeout_errors = timeout_errors + excluded.timeout_errors,
			other_errors = other_errors + excluded.other_errors`,
		k.String(), windowStart.UnixMilli(), windowEnd.UnixMilli(),
		delta.Success, delta.Errors, delta.Validation, delta.Network,
		delta.Internal, delta.Timeout, delta.Other)
	if err != nil {
		return fmt.Errorf("warehouse: upsert error window: %w", err)
	}
	return nil
}

// ErrorBudgetWindow reads one (feature, window) row back; found=false when
// no message landed in that window.
func (d *DB) ErrorBudgetWindow(ctx context.Context, k feature.Key, windowStart time.Time) (WindowDelta, bool, error) {
	var w WindowDelta
	err := d.sql.QueryRowContext(ctx, `
		SELECT success_count, error_count, validation_errors, network_errors,
		       internal_errors, timeout_errors, other_errors
		FROM error_budget_windows WHERE feature_key = ? AND window_start = ?`,
		k.String(), windowStart.UnixMilli()).
		Scan(&w.Success, &w.Errors, &w.Validation, &w.Network, &w.Internal, &w.Timeout, &w.Other)
	if errors.Is(err, sql.ErrNoRows) {
		return WindowDelta{}, false, nil
	}
	if err != nil {
		return WindowDelta{}, false, fmt.Errorf("warehouse: read error window: %w", err)
	}
	return w, true, nil
}

// UpsertModelUsage accumulates per-model inference invocations per day.
func (d *DB) UpsertModelUsage(ctx context.Context, date string, k feature.Key, model string, invocations int64) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO model_usage_daily (date, feature_key, model, invocations)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date, feature_key, model) DO UPDATE SET
			invocations = invocations + excluded.invocations`,
		date, k.String(), model, invocations)
	if err != nil {
		return fmt.Errorf("warehouse: upsert model usage: %w", err)
	}
	return nil
}

// UpsertFeatureHealth records the heartbeat last-seen state for a feature.
func (d *DB) UpsertFeatureHealth(ctx context.Context, k feature.Key, status string, seen time.Time) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO feature_health (feature_key, status, last_seen_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(feature_key) DO UPDATE SET
			status = excluded.status, last_seen_ms = excluded.last_seen_ms`,
		k.String(), status, seen.UnixMilli())
	if err != nil {
		return fmt.Errorf("warehouse: upsert feature health: %w", err)
	}
	return nil
}

// FeatureHealth reads one health row; found=false when the feature has
// never sent a heartbeat.
func (d *DB) FeatureHealth(ctx context.Context, k feature.Key) (status string, lastSeen time.Time, found bool, err error) {
	var seenMs int64
	err = d.sql.QueryRowContext(ctx,
		`SELECT status, last_seen_ms FROM feature_health WHERE feature_key = ?`,
		k.String()).Scan(&status, &seenMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("warehouse: feature health: %w", err)
	}
	return status, time.UnixMilli(seenMs), true, nil
}

// Anomaly is one detected outlier row.
type Anomaly struct {
	ID              string
	DetectedAt      time.Time
	MetricName      string
	Project         string
	CurrentValue    float64
	RollingAvg      float64
	RollingStddev   float64
	DeviationFactor float64
	AlertSent       bool
	Resolved        bool
}

func (d *DB) InsertAnomaly(ctx context.Context, a Anomaly) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO anomalies
			(id, detected_at, metric_name, project, current_value,
			 rolling_avg, rolling_stddev, deviation_factor, alert_sent, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DetectedAt.UnixMilli(), a.MetricName, a.Project, a.CurrentValue,
		a.RollingAvg, a.RollingStddev, a.DeviationFactor,
		boolInt(a.AlertSent), boolInt(a.Resolved))
	if err != nil {
		return fmt.Errorf("warehouse: insert anomaly: %w", err)
	}
	return nil
}

// HasUnresolvedAnomaly dedups alerts: a new outlier for the same
// (metric, project) stays silent while an unresolved row exists.
func (d *DB) HasUnresolvedAnomaly(ctx context.Context, metric, project string) (bool, error) {
	var n int64
	err := d.sql.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM anomalies
		WHERE metric_name = ? AND project = ? AND resolved = 0`,
		metric, project).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("warehouse: unresolved anomaly: %w", err)
	}
	return n > 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
