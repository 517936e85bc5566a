package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsdeck/feature-governor/internal/feature"
)

// RegistryEntry is one registered feature with its default limits.
type RegistryEntry struct {
	Key                   feature.Key
	DisplayName           string
	CircuitBreakerEnabled bool
	DailyLimitsJSON       string
}

func (d *DB) UpsertRegistryEntry(ctx context.Context, e RegistryEntry) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO feature_registry
			(feature_key, project_id, category, feature, display_name,
			 circuit_breaker_enabled, daily_limits_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feature_key) DO UPDATE SET
			display_name = excluded.display_name,
			circuit_breaker_enabled = excluded.circuit_breaker_enabled,
			daily_limits_json = excluded.daily_limits_json`,
		e.Key.String(), e.Key.Project, e.Key.Category, e.Key.Feature,
		e.DisplayName, boolInt(e.CircuitBreakerEnabled), e.DailyLimitsJSON)
	if err != nil {
		return fmt.Errorf("warehouse: upsert registry: %w", err)
	}
	return nil
}

// RegistryEntry reads one feature's registration; found=false when absent.
func (d *DB) RegistryEntryFor(ctx context.Context, k feature.Key) (RegistryEntry, bool, error) {
	var e RegistryEntry
	var enabled int
	var keyStr string
	err := d.sql.QueryRowContext(ctx, `
		SELECT feature_key, display_name, circuit_breaker_enabled, daily_limits_json
		FROM feature_registry WHERE feature_key = ?`, k.String()).
		Scan(&keyStr, &e.DisplayName, &enabled, &e.DailyLimitsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, false, nil
		}
		return e, false, fmt.Errorf("warehouse: registry entry: %w", err)
	}
	e.Key = k
	e.CircuitBreakerEnabled = enabled != 0
	return e, true, nil
}

// CleanupRegistry drops registrations for features with no heartbeat or
// telemetry since the cutoff. Features never seen at all are kept.
func (d *DB) CleanupRegistry(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `
		DELETE FROM feature_registry WHERE feature_key IN (
			SELECT feature_key FROM feature_health WHERE last_seen_ms < ?
		)`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("warehouse: cleanup registry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Setting resolves a usage setting for a project, falling back to the
// 'all' project for globals; found=false when neither row exists.
func (d *DB) Setting(ctx context.Context, project, key string) (string, bool, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, `
		SELECT setting_value FROM usage_settings
		WHERE setting_key = ? AND project IN (?, 'all')
		ORDER BY CASE project WHEN 'all' THEN 1 ELSE 0 END
		LIMIT 1`, key, project).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("warehouse: setting: %w", err)
	}
	return v, true, nil
}

func (d *DB) SetSetting(ctx context.Context, project, key, value string) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO usage_settings (project, setting_key, setting_value)
		VALUES (?, ?, ?)
		ON CONFLICT(project, setting_key) DO UPDATE SET
			setting_value = excluded.setting_value`,
		project, key, value)
	if err != nil {
		return fmt.Errorf("warehouse: set setting: %w", err)
	}
	return nil
}
