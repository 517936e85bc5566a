// Package rollup folds hourly snapshots into daily rows and daily rows
// into monthly ones, with gap-fill for days the midnight run missed. All
// rollups are idempotent upserts keyed by (bucket, project), so replaying
// a day is always safe.
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

// Version stamps rollup rows so a future aggregation change can rebuild
// selectively.
const Version = 1

type Engine struct {
	db    *warehouse.DB
	store *kvcs.Store
}

func NewEngine(db *warehouse.DB, store *kvcs.Store) *Engine {
	return &Engine{db: db, store: store}
}

// Daily rebuilds every project's rollup row for one date ("2006-01-02")
// from the hourly snapshots, then invalidates the daily query caches so
// dashboards repopulate from canonical data.
func (e *Engine) Daily(ctx context.Context, date string) error {
	rows, err := e.db.AggregateHourlyForDate(ctx, date)
	if err != nil {
		return fmt.Errorf("rollup: aggregate %s: %w", date, err)
	}
	var cacheKeys []string
	for _, r := range rows {
		r.RollupVersion = Version
		if err := e.db.UpsertDailyRollup(ctx, r); err != nil {
			return fmt.Errorf("rollup: upsert %s/%s: %w", date, r.Project, err)
		}
		cacheKeys = append(cacheKeys, kvcs.DailyCacheKey(r.Project, date))
	}
	if err := e.store.Delete(ctx, cacheKeys...); err != nil {
		observ.Log("rollup_cache_invalidation_failed", map[string]any{
			"date": date, "error": err.Error(),
		})
	}
	observ.IncCounter("rollups_daily_total", nil)
	observ.Log("rollup_daily_done", map[string]any{"date": date, "projects": len(rows)})
	return nil
}

// Monthly rebuilds every project's monthly row for one month ("2006-01").
func (e *Engine) Monthly(ctx context.Context, month string) error {
	rows, err := e.db.AggregateDailyForMonth(ctx, month)
	if err != nil {
		return fmt.Errorf("rollup: aggregate month %s: %w", month, err)
	}
	for _, r := range rows {
		r.RollupVersion = Version
		if err := e.db.UpsertMonthlyRollup(ctx, month, r); err != nil {
			return fmt.Errorf("rollup: upsert month %s/%s: %w", month, r.Project, err)
		}
	}
	observ.IncCounter("rollups_monthly_total", nil)
	observ.Log("rollup_monthly_done", map[string]any{"month": month, "projects": len(rows)})
	return nil
}

// GapFill scans the last `days` days for dates that have hourly data but
// no daily rollup and replays them. Returns the filled dates.
func (e *Engine) GapFill(ctx context.Context, now time.Time, days int) ([]string, error) {
	to := now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
	from := now.UTC().AddDate(0, 0, -days).Format("2006-01-02")
	missing, err := e.db.MissingDailyDates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("rollup: gap scan: %w", err)
	}
	for _, date := range missing {
		if err := e.Daily(ctx, date); err != nil {
			return nil, err
		}
		observ.Log("rollup_gap_filled", map[string]any{"date": date})
	}
	return missing, nil
}
