// Package warehouse is the relational store for rollups, events and audit
// rows. Every mutation is an idempotent upsert or an append with a random
// ID, so replays and concurrent consumers are safe.
package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/usage"
)

type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the sqlite warehouse and applies the schema.
func Open(path string) (*DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("warehouse: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse: apply schema: %w", err)
	}
	return &DB{sql: db}, nil
}

// OpenMemory opens a private in-memory warehouse; tests use this.
func OpenMemory() (*DB, error) {
	return Open("file::memory:?cache=shared&x=" + uuid.NewString())
}

func (d *DB) Close() error { return d.sql.Close() }

// SQL fragment helpers over the shared resource column list.

func colList() string { return strings.Join(resourceCols, ", ") }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func excludedList() string {
	parts := make([]string, len(resourceCols))
	for i, c := range resourceCols {
		parts[i] = c + " = excluded." + c
	}
	return strings.Join(parts, ", ")
}

func sumList() string {
	parts := make([]string, len(resourceCols))
	for i, c := range resourceCols {
		parts[i] = "SUM(" + c + ") AS " + c
	}
	return strings.Join(parts, ", ")
}

func bundleArgs(b usage.Bundle) []any {
	args := make([]any, len(usage.All))
	for i, r := range usage.All {
		args[i] = b.Get(r)
	}
	return args
}

func scanBundle() (usage.Bundle, []any) {
	b := make(usage.Bundle, len(usage.All))
	dests := make([]any, len(usage.All))
	vals := make([]int64, len(usage.All))
	for i := range usage.All {
		dests[i] = &vals[i]
	}
	return b, dests
}

func fillBundle(b usage.Bundle, dests []any) {
	for i, r := range usage.All {
		if v := *(dests[i].(*int64)); v != 0 {
			b[r] = v
		}
	}
}

// FactRow is one raw telemetry append, keyed by a random ID so at-least-once
// delivery cannot double it into an aggregate (aggregation dedups by id).
type FactRow struct {
	ID            string
	Key           feature.Key
	Metrics       usage.Bundle
	CostUSD       float64
	ExternalUSD   float64
	TimestampMs   int64
	CorrelationID string
	TraceID       string
}

func (d *DB) InsertFact(ctx context.Context, row FactRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	metrics, err := json.Marshal(row.Metrics)
	if err != nil {
		return fmt.Errorf("warehouse: encode metrics: %w", err)
	}
	_, err = d.sql.ExecContext(ctx, `
		INSERT INTO telemetry_facts
			(id, feature_key, project, category, feature, metrics_json,
			 cost_usd, external_cost_usd, timestamp_ms, correlation_id, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		row.ID, row.Key.String(), row.Key.Project, row.Key.Category, row.Key.Feature,
		string(metrics), row.CostUSD, row.ExternalUSD, row.TimestampMs,
		row.CorrelationID, row.TraceID)
	if err != nil {
		return fmt.Errorf("warehouse: insert fact: %w", err)
	}
	return nil
}

// HourlySnapshot is one (hour, project) usage row.
type HourlySnapshot struct {
	TimeBucket   string // "2026-08-25T14"
	Project      string
	Metrics      usage.Bundle
	StorageBytes int64
	CostUSD      float64
	SamplingMode int
	CollectedAt  time.Time
}

func (d *DB) UpsertHourlySnapshot(ctx context.Context, s HourlySnapshot) error {
	q := fmt.Sprintf(`
		INSERT INTO hourly_usage_snapshots
			(time_bucket, project, %s, storage_bytes, cost_usd, sampling_mode, collection_timestamp)
		VALUES (?, ?, %s, ?, ?, ?, ?)
		ON CONFLICT(time_bucket, project) DO UPDATE SET
			%s,
			storage_bytes = excluded.storage_bytes,
			cost_usd = excluded.cost_usd,
			sampling_mode = excluded.sampling_mode,
			collection_timestamp = excluded.collection_timestamp`,
		colList(), placeholders(len(resourceCols)), excludedList())
	args := append([]any{s.TimeBucket, s.Project}, bundleArgs(s.Metrics)...)
	args = append(args, s.StorageBytes, s.CostUSD, s.SamplingMode, s.CollectedAt.UnixMilli())
	if _, err := d.sql.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("warehouse: upsert hourly: %w", err)
	}
	return nil
}

// DailyRollup and MonthlyRollup are the aggregated usage rows.
type DailyRollup struct {
	Date          string // "2026-08-25"
	Project       string
	Metrics       usage.Bundle
	StorageBytes  int64
	CostUSD       float64
	RollupVersion int
}

func (d *DB) UpsertDailyRollup(ctx context.Context, r DailyRollup) error {
	return d.upsertRollup(ctx, "daily_usage_rollups", "date", r.Date, r)
}

func (d *DB) UpsertMonthlyRollup(ctx context.Context, month string, r DailyRollup) error {
	return d.upsertRollup(ctx, "monthly_usage_rollups", "month", month, r)
}

func (d *DB) upsertRollup(ctx context.Context, table, bucketCol, bucket string, r DailyRollup) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (%s, project, %s, storage_bytes, cost_usd, rollup_version)
		VALUES (?, ?, %s, ?, ?, ?)
		ON CONFLICT(%s, project) DO UPDATE SET
			%s,
			storage_bytes = excluded.storage_bytes,
			cost_usd = excluded.cost_usd,
			rollup_version = excluded.rollup_version`,
		table, bucketCol, colList(), placeholders(len(resourceCols)), bucketCol, excludedList())
	args := append([]any{bucket, r.Project}, bundleArgs(r.Metrics)...)
	args = append(args, r.StorageBytes, r.CostUSD, r.RollupVersion)
	if _, err := d.sql.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("warehouse: upsert %s: %w", table, err)
	}
	return nil
}

// AggregateHourlyForDate folds a day of hourly snapshots into per-project
// rollup rows: SUM for flow counters, MAX for the storage gauge.
func (d *DB) AggregateHourlyForDate(ctx context.Context, date string) ([]DailyRollup, error) {
	q := fmt.Sprintf(`
		SELECT project, %s, MAX(storage_bytes), SUM(cost_usd)
		FROM hourly_usage_snapshots
		WHERE time_bucket LIKE ?
		GROUP BY project`, sumList())
	rows, err := d.sql.QueryContext(ctx, q, date+"%")
	if err != nil {
		return nil, fmt.Errorf("warehouse: aggregate hourly: %w", err)
	}
	defer rows.Close()
	var out []DailyRollup
	for rows.Next() {
		r := DailyRollup{Date: date}
		bundle, dests := scanBundle()
		args := append([]any{&r.Project}, dests...)
		args = append(args, &r.StorageBytes, &r.CostUSD)
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("warehouse: scan aggregate: %w", err)
		}
		fillBundle(bundle, dests)
		r.Metrics = bundle
		out = append(out, r)
	}
	return out, rows.Err()
}

// AggregateDailyForMonth folds daily rollups into per-project monthly rows.
func (d *DB) AggregateDailyForMonth(ctx context.Context, month string) ([]DailyRollup, error) {
	q := fmt.Sprintf(`
		SELECT project, %s, MAX(storage_bytes), SUM(cost_usd)
		FROM daily_usage_rollups
		WHERE date LIKE ?
		GROUP BY project`, sumList())
	rows, err := d.sql.QueryContext(ctx, q, month+"%")
	if err != nil {
		return nil, fmt.Errorf("warehouse: aggregate daily: %w", err)
	}
	defer rows.Close()
	var out []DailyRollup
	for rows.Next() {
		var r DailyRollup
		bundle, dests := scanBundle()
		args := append([]any{&r.Project}, dests...)
		args = append(args, &r.StorageBytes, &r.CostUSD)
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("warehouse: scan aggregate: %w", err)
		}
		fillBundle(bundle, dests)
		r.Metrics = bundle
		out = append(out, r)
	}
	return out, rows.Err()
}

// DailyRollups returns rollup rows for a project between two dates inclusive.
func (d *DB) DailyRollups(ctx context.Context, project, from, to string) ([]DailyRollup, error) {
	q := fmt.Sprintf(`
		SELECT date, project, %s, storage_bytes, cost_usd, rollup_version
		FROM daily_usage_rollups
		WHERE project = ? AND date >= ? AND date <= ?
		ORDER BY date`, colList())
	rows, err := d.sql.QueryContext(ctx, q, project, from, to)
	if err != nil {
		return nil, fmt.Errorf("warehouse: daily rollups: %w", err)
	}
	defer rows.Close()
	var out []DailyRollup
	for rows.Next() {
		var r DailyRollup
		bundle, dests := scanBundle()
		args := append([]any{&r.Date, &r.Project}, dests...)
		args = append(args, &r.StorageBytes, &r.CostUSD, &r.RollupVersion)
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("warehouse: scan rollup: %w", err)
		}
		fillBundle(bundle, dests)
		r.Metrics = bundle
		out = append(out, r)
	}
	return out, rows.Err()
}

// DailyRollup returns one (date, project) row, sql.ErrNoRows when absent.
func (d *DB) DailyRollupRow(ctx context.Context, date, project string) (DailyRollup, error) {
	q := fmt.Sprintf(`
		SELECT date, project, %s, storage_bytes, cost_usd, rollup_version
		FROM daily_usage_rollups WHERE date = ? AND project = ?`, colList())
	var r DailyRollup
	bundle, dests := scanBundle()
	args := append([]any{&r.Date, &r.Project}, dests...)
	args = append(args, &r.StorageBytes, &r.CostUSD, &r.RollupVersion)
	if err := d.sql.QueryRowContext(ctx, q, date, project).Scan(args...); err != nil {
		return r, err
	}
	fillBundle(bundle, dests)
	r.Metrics = bundle
	return r, nil
}

// DeleteDailyRollup exists for operational replays (and gap-fill tests).
func (d *DB) DeleteDailyRollup(ctx context.Context, date, project string) error {
	_, err := d.sql.ExecContext(ctx,
		`DELETE FROM daily_usage_rollups WHERE date = ? AND project = ?`, date, project)
	return err
}

// MissingDailyDates reports dates in [from, to] that have hourly snapshots
// but no daily rollup row; gap-fill replays these.
func (d *DB) MissingDailyDates(ctx context.Context, from, to string) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT DISTINCT substr(time_bucket, 1, 10) AS day
		FROM hourly_usage_snapshots
		WHERE substr(time_bucket, 1, 10) >= ? AND substr(time_bucket, 1, 10) <= ?
		AND substr(time_bucket, 1, 10) NOT IN (SELECT DISTINCT date FROM daily_usage_rollups)
		ORDER BY day`, from, to)
	if err != nil {
		return nil, fmt.Errorf("warehouse: missing dates: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		out = append(out, day)
	}
	return out, rows.Err()
}

// HourlySnapshots returns a project's hourly rows in [fromBucket, toBucket].
func (d *DB) HourlySnapshots(ctx context.Context, project, fromBucket, toBucket string) ([]HourlySnapshot, error) {
	q := fmt.Sprintf(`
		SELECT time_bucket, project, %s, storage_bytes, cost_usd, sampling_mode, collection_timestamp
		FROM hourly_usage_snapshots
		WHERE project = ? AND time_bucket >= ? AND time_bucket <= ?
		ORDER BY time_bucket`, colList())
	rows, err := d.sql.QueryContext(ctx, q, project, fromBucket, toBucket)
	if err != nil {
		return nil, fmt.Errorf("warehouse: hourly snapshots: %w", err)
	}
	defer rows.Close()
	var out []HourlySnapshot
	for rows.Next() {
		var s HourlySnapshot
		var collectedMs int64
		bundle, dests := scanBundle()
		args := append([]any{&s.TimeBucket, &s.Project}, dests...)
		args = append(args, &s.StorageBytes, &s.CostUSD, &s.SamplingMode, &collectedMs)
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("warehouse: scan hourly: %w", err)
		}
		fillBundle(bundle, dests)
		s.Metrics = bundle
		s.CollectedAt = time.UnixMilli(collectedMs)
		out = append(out, s)
	}
	return out, rows.Err()
}

// WarehouseWrites24h approximates the rolling daily write count used by the
// sampling-mode gate: rows landed in the usage tables in the last 24 hours.
func (d *DB) WarehouseWrites24h(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-24 * time.Hour).UnixMilli()
	var hourly, resource int64
	if err := d.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hourly_usage_snapshots WHERE collection_timestamp >= ?`,
		cutoff).Scan(&hourly); err != nil {
		return 0, fmt.Errorf("warehouse: writes 24h: %w", err)
	}
	if err := d.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resource_usage_snapshots WHERE created_at >= ?`,
		cutoff).Scan(&resource); err != nil {
		return 0, fmt.Errorf("warehouse: writes 24h: %w", err)
	}
	return hourly + resource, nil
}

// DailyMetricHistory returns up to `days` prior daily values of one resource
// column for a project, most recent first. The metric name is validated
// against the closed resource set before being interpolated.
func (d *DB) DailyMetricHistory(ctx context.Context, metric, project, beforeDate string, days int) ([]float64, error) {
	if !usage.Known(usage.Resource(metric)) {
		return nil, fmt.Errorf("warehouse: unknown metric %q", metric)
	}
	q := fmt.Sprintf(`
		SELECT %s FROM daily_usage_rollups
		WHERE project = ? AND date < ?
		ORDER BY date DESC LIMIT ?`, metric)
	rows, err := d.sql.QueryContext(ctx, q, project, beforeDate, days)
	if err != nil {
		return nil, fmt.Errorf("warehouse: metric history: %w", err)
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
