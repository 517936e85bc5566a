package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/usage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory warehouse: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHourlyUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	snap := HourlySnapshot{
		TimeBucket:   "2026-08-25T14",
		Project:      "shop",
		Metrics:      usage.Bundle{usage.RelationalWrites: 100, usage.CacheReads: 5000},
		StorageBytes: 1 << 30,
		CostUSD:      0.1234,
		SamplingMode: 1,
		CollectedAt:  time.Now(),
	}
	if err := db.UpsertHourlySnapshot(ctx, snap); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := db.UpsertHourlySnapshot(ctx, snap); err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	rows, err := db.HourlySnapshots(ctx, "shop", "2026-08-25T00", "2026-08-25T23")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 after replay", len(rows))
	}
	got := rows[0]
	if got.Metrics.Get(usage.RelationalWrites) != 100 || got.CostUSD != 0.1234 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestDailyRollupUpsertReplaces(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := DailyRollup{
		Date:    "2026-08-24",
		Project: "shop",
		Metrics: usage.Bundle{usage.RelationalWrites: 10},
		CostUSD: 1,
	}
	if err := db.UpsertDailyRollup(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r.Metrics = usage.Bundle{usage.RelationalWrites: 999}
	r.CostUSD = 2
	if err := db.UpsertDailyRollup(ctx, r); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := db.DailyRollupRow(ctx, "2026-08-24", "shop")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Metrics.Get(usage.RelationalWrites) != 999 || got.CostUSD != 2 {
		t.Fatalf("row not replaced: %+v", got)
	}
}

func TestAggregateHourlyForDate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for hour, writes := range map[string]int64{"2026-08-24T01": 10, "2026-08-24T02": 20} {
		err := db.UpsertHourlySnapshot(ctx, HourlySnapshot{
			TimeBucket:   hour,
			Project:      "shop",
			Metrics:      usage.Bundle{usage.RelationalWrites: writes},
			StorageBytes: writes * 100, // gauge, MAX not SUM
			CostUSD:      0.5,
			CollectedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", hour, err)
		}
	}
	rows, err := db.AggregateHourlyForDate(ctx, "2026-08-24")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.Metrics.Get(usage.RelationalWrites) != 30 {
		t.Fatalf("flow sum = %d, want 30", got.Metrics.Get(usage.RelationalWrites))
	}
	if got.StorageBytes != 2000 {
		t.Fatalf("stock max = %d, want 2000", got.StorageBytes)
	}
	if got.CostUSD != 1.0 {
		t.Fatalf("cost sum = %v, want 1.0", got.CostUSD)
	}
}

func TestMissingDailyDates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seed := func(bucket string) {
		if err := db.UpsertHourlySnapshot(ctx, HourlySnapshot{
			TimeBucket: bucket, Project: "shop",
			Metrics: usage.Bundle{usage.RelationalWrites: 1}, CollectedAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed("2026-08-22T10")
	seed("2026-08-23T10")
	// Rollup exists only for the 22nd.
	if err := db.UpsertDailyRollup(ctx, DailyRollup{Date: "2026-08-22", Project: "shop"}); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	missing, err := db.MissingDailyDates(ctx, "2026-08-20", "2026-08-24")
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if len(missing) != 1 || missing[0] != "2026-08-23" {
		t.Fatalf("missing = %v, want [2026-08-23]", missing)
	}
}

func TestErrorBudgetWindowAdditive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	k := feature.MustParse("shop:checkout:apply")
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)

	if err := db.UpsertErrorBudgetWindow(ctx, k, start, end, WindowDelta{Success: 3, Errors: 1, Validation: 1}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := db.UpsertErrorBudgetWindow(ctx, k, start, end, WindowDelta{Success: 2, Errors: 2, Network: 2}); err != nil {
		t.Fatalf("second: %v", err)
	}
	var success, errs, validation, network int64
	err := db.sql.QueryRowContext(ctx, `
		SELECT success_count, error_count, validation_errors, network_errors
		FROM error_budget_windows WHERE feature_key = ? AND window_start = ?`,
		k.String(), start.UnixMilli()).Scan(&success, &errs, &validation, &network)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if success != 5 || errs != 3 || validation != 1 || network != 2 {
		t.Fatalf("counts = %d/%d/%d/%d, want 5/3/1/2", success, errs, validation, network)
	}
}

func TestResourceRowsBatchedUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	// 60 rows exercises two full batches of 25 plus a remainder.
	var rows []ResourceRow
	for i := 0; i < 60; i++ {
		rows = append(rows, ResourceRow{
			TimeBucket:   "2026-08-25T14",
			ResourceType: "relational_writes",
			ResourceID:   "shop:" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Project:      "shop",
			Count:        int64(i),
			Source:       "collector",
			Confidence:   1,
			CreatedAt:    time.Now(),
		})
	}
	if err := db.InsertResourceRows(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Replay must not duplicate.
	if err := db.InsertResourceRows(ctx, rows); err != nil {
		t.Fatalf("replay: %v", err)
	}
	var n int64
	if err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM resource_usage_snapshots`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 60 {
		t.Fatalf("rows = %d, want 60", n)
	}
}

func TestModelUsageAccumulates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	k := feature.MustParse("shop:search:rank")
	if err := db.UpsertModelUsage(ctx, "2026-08-25", k, "small-v2", 10); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := db.UpsertModelUsage(ctx, "2026-08-25", k, "small-v2", 5); err != nil {
		t.Fatalf("second: %v", err)
	}
	var n int64
	err := db.sql.QueryRowContext(ctx,
		`SELECT invocations FROM model_usage_daily WHERE date = ? AND feature_key = ? AND model = ?`,
		"2026-08-25", k.String(), "small-v2").Scan(&n)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 15 {
		t.Fatalf("invocations = %d, want 15", n)
	}
}

func TestSettingFallsBackToAll(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.SetSetting(ctx, "all", "d1_write_limit", "100000"); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if err := db.SetSetting(ctx, "shop", "d1_write_limit", "50000"); err != nil {
		t.Fatalf("set project: %v", err)
	}
	testCases := []struct {
		project string
		want    string
		found   bool
	}{
		{"shop", "50000", true},
		{"blog", "100000", true},
	}
	for _, tc := range testCases {
		v, found, err := db.Setting(ctx, tc.project, "d1_write_limit")
		if err != nil {
			t.Fatalf("setting %s: %v", tc.project, err)
		}
		if found != tc.found || v != tc.want {
			t.Fatalf("setting %s = %q/%v, want %q/%v", tc.project, v, found, tc.want, tc.found)
		}
	}
	_, found, err := db.Setting(ctx, "shop", "unknown_key")
	if err != nil || found {
		t.Fatalf("unknown key found=%v err=%v", found, err)
	}
}

func TestAnomalyDedup(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	has, err := db.HasUnresolvedAnomaly(ctx, "relational_reads", "shop")
	if err != nil || has {
		t.Fatalf("pristine: has=%v err=%v", has, err)
	}
	if err := db.InsertAnomaly(ctx, Anomaly{
		DetectedAt: time.Now(), MetricName: "relational_reads", Project: "shop",
		CurrentValue: 1e6, RollingAvg: 1000, RollingStddev: 50, DeviationFactor: 100,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	has, err = db.HasUnresolvedAnomaly(ctx, "relational_reads", "shop")
	if err != nil || !has {
		t.Fatalf("after insert: has=%v err=%v", has, err)
	}
}
