package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/usage"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

func testEngine(t *testing.T) (*Engine, *warehouse.DB, *kvcs.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	db, err := warehouse.OpenMemory()
	if err != nil {
		t.Fatalf("warehouse: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := kvcs.New(rdb)
	return NewEngine(db, store), db, store, mr
}

func seedHour(t *testing.T, db *warehouse.DB, bucket, project string, writes int64, cost float64) {
	t.Helper()
	err := db.UpsertHourlySnapshot(context.Background(), warehouse.HourlySnapshot{
		TimeBucket:   bucket,
		Project:      project,
		Metrics:      usage.Bundle{usage.RelationalWrites: writes},
		StorageBytes: writes * 10,
		CostUSD:      cost,
		CollectedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("seed %s/%s: %v", bucket, project, err)
	}
}

func TestDailyAggregatesHours(t *testing.T) {
	e, db, _, _ := testEngine(t)
	ctx := context.Background()
	seedHour(t, db, "2026-08-24T01", "shop", 100, 0.25)
	seedHour(t, db, "2026-08-24T02", "shop", 50, 0.25)
	seedHour(t, db, "2026-08-24T01", "blog", 7, 0.10)

	if err := e.Daily(ctx, "2026-08-24"); err != nil {
		t.Fatalf("daily: %v", err)
	}
	got, err := db.DailyRollupRow(ctx, "2026-08-24", "shop")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Metrics.Get(usage.RelationalWrites) != 150 {
		t.Fatalf("writes = %d, want 150", got.Metrics.Get(usage.RelationalWrites))
	}
	if got.StorageBytes != 1000 {
		t.Fatalf("storage = %d, want max 1000", got.StorageBytes)
	}
	if got.CostUSD != 0.5 {
		t.Fatalf("cost = %v, want 0.5", got.CostUSD)
	}
	if got.RollupVersion != Version {
		t.Fatalf("version = %d, want %d", got.RollupVersion, Version)
	}
	if _, err := db.DailyRollupRow(ctx, "2026-08-24", "blog"); err != nil {
		t.Fatalf("blog rollup missing: %v", err)
	}
}

func TestDailyInvalidatesQueryCache(t *testing.T) {
	e, db, store, mr := testEngine(t)
	ctx := context.Background()
	seedHour(t, db, "2026-08-24T01", "shop", 1, 0)

	// A stale day cache from the query path.
	key := kvcs.DailyCacheKey("shop", "2026-08-24")
	if err := store.PutJSON(ctx, key, map[string]any{"stale": true}, time.Hour); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := e.Daily(ctx, "2026-08-24"); err != nil {
		t.Fatalf("daily: %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("stale day cache survived the rollup")
	}
}

// A missed midnight run leaves hourly data without a rollup; gap-fill must
// reconstruct a row identical to what the on-time rollup would have built.
func TestGapFillReconstructs(t *testing.T) {
	e, db, _, _ := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 0, 10, 0, 0, time.UTC)

	seedHour(t, db, "2026-08-22T05", "shop", 40, 0.2)
	seedHour(t, db, "2026-08-22T06", "shop", 60, 0.3)
	seedHour(t, db, "2026-08-23T05", "shop", 10, 0.1)

	// The 23rd rolled up on time; the 22nd was missed.
	if err := e.Daily(ctx, "2026-08-23"); err != nil {
		t.Fatalf("daily: %v", err)
	}

	filled, err := e.GapFill(ctx, now, 7)
	if err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	if len(filled) != 1 || filled[0] != "2026-08-22" {
		t.Fatalf("filled = %v, want [2026-08-22]", filled)
	}
	got, err := db.DailyRollupRow(ctx, "2026-08-22", "shop")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Metrics.Get(usage.RelationalWrites) != 100 || got.CostUSD != 0.5 {
		t.Fatalf("reconstructed row = %+v", got)
	}

	// Nothing left to fill.
	filled, err = e.GapFill(ctx, now, 7)
	if err != nil || len(filled) != 0 {
		t.Fatalf("second pass filled %v err=%v", filled, err)
	}
}

// Deleting and replaying a rollup lands the identical aggregate.
func TestDailyReplayIsIdentical(t *testing.T) {
	e, db, _, _ := testEngine(t)
	ctx := context.Background()
	seedHour(t, db, "2026-08-24T01", "shop", 100, 0.25)
	seedHour(t, db, "2026-08-24T02", "shop", 50, 0.25)

	if err := e.Daily(ctx, "2026-08-24"); err != nil {
		t.Fatalf("daily: %v", err)
	}
	first, err := db.DailyRollupRow(ctx, "2026-08-24", "shop")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := db.DeleteDailyRollup(ctx, "2026-08-24", "shop"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.Daily(ctx, "2026-08-24"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	second, err := db.DailyRollupRow(ctx, "2026-08-24", "shop")
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if second.Metrics.Get(usage.RelationalWrites) != first.Metrics.Get(usage.RelationalWrites) ||
		second.CostUSD != first.CostUSD || second.StorageBytes != first.StorageBytes {
		t.Fatalf("replay differs: %+v vs %+v", second, first)
	}
}

func TestMonthlyAggregatesDays(t *testing.T) {
	e, db, _, _ := testEngine(t)
	ctx := context.Background()
	for _, d := range []struct {
		date   string
		writes int64
	}{
		{"2026-07-01", 10},
		{"2026-07-15", 20},
		{"2026-08-01", 999}, // outside the month
	} {
		err := db.UpsertDailyRollup(ctx, warehouse.DailyRollup{
			Date:    d.date,
			Project: "shop",
			Metrics: usage.Bundle{usage.RelationalWrites: d.writes},
			CostUSD: 1,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := e.Monthly(ctx, "2026-07"); err != nil {
		t.Fatalf("monthly: %v", err)
	}
	rows, err := db.AggregateDailyForMonth(ctx, "2026-07")
	if err != nil || len(rows) != 1 {
		t.Fatalf("aggregate check: %v / %d", err, len(rows))
	}
	if rows[0].Metrics.Get(usage.RelationalWrites) != 30 {
		t.Fatalf("month writes = %d, want 30", rows[0].Metrics.Get(usage.RelationalWrites))
	}
}
