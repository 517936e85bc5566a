// Package collector runs the hourly pull of cumulative counters from the
// external telemetry source, converts them into capped hourly deltas, and
// lands the snapshot rows. The midnight run chains rollups, gap-fill,
// anomaly detection and retention cleanup.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opsdeck/feature-governor/internal/alerts"
	"github.com/opsdeck/feature-governor/internal/anomaly"
	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/pricing"
	"github.com/opsdeck/feature-governor/internal/rollup"
	"github.com/opsdeck/feature-governor/internal/usage"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

// accountProject is the pseudo-project for the account-level row.
const accountProject = "account"

// hoursPerMonth pro-rates the monthly base charge into hourly rows.
const hoursPerMonth = 720

// maxReasonableDelta caps each hourly delta. When the prior-hour cell has
// expired, the raw "delta" is the lifetime cumulative value; the cap stops
// that from being booked as one hour of usage.
var maxReasonableDelta = map[usage.Resource]int64{
	usage.RelationalWrites:    5_000_000,
	usage.RelationalReads:     50_000_000,
	usage.CacheReads:          50_000_000,
	usage.CacheWrites:         10_000_000,
	usage.CacheDeletes:        10_000_000,
	usage.CacheLists:          1_000_000,
	usage.ObjectClassA:        5_000_000,
	usage.ObjectClassB:        50_000_000,
	usage.InferenceUnits:      50_000_000,
	usage.InferenceRequests:   1_000_000,
	usage.QueueMessages:       10_000_000,
	usage.ComputeRequests:     50_000_000,
	usage.CPUMs:               500_000_000,
	usage.VectorQueries:       5_000_000,
	usage.VectorInserts:       5_000_000,
	usage.DORequests:          50_000_000,
	usage.DOGBSeconds:         10_000_000,
	usage.WorkflowInvocations: 1_000_000,
}

// stopSetting is the usage_settings key acting as the global collection
// kill switch.
const stopSetting = "collection_stop"

type Collector struct {
	cfg      config.Collector
	store    *kvcs.Store
	db       *warehouse.DB
	source   *Source
	rollups  *rollup.Engine
	anomaly  *anomaly.Detector
	breaker  *breaker.Engine
	alerter  *alerts.Alerter
	watchdog *http.Client
}

func New(cfg config.Collector, store *kvcs.Store, db *warehouse.DB, source *Source,
	rollups *rollup.Engine, det *anomaly.Detector, brk *breaker.Engine, alerter *alerts.Alerter) *Collector {
	return &Collector{
		cfg:      cfg,
		store:    store,
		db:       db,
		source:   source,
		rollups:  rollups,
		anomaly:  det,
		breaker:  brk,
		alerter:  alerter,
		watchdog: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run executes one scheduled collection at `now`. Skips are normal
// operation (kill switch, sampling-mode stride); hard failures skip the
// cycle and surface through the watchdog being silent.
func (c *Collector) Run(ctx context.Context, now time.Time) error {
	now = now.UTC()
	if c.stopped(ctx) {
		observ.Log("collector_stopped", map[string]any{"setting": stopSetting})
		return nil
	}

	writes, err := c.db.WarehouseWrites24h(ctx, now)
	if err != nil {
		return fmt.Errorf("collector: write budget: %w", err)
	}
	mode := ModeFor(writes, c.cfg.D1WriteLimit)
	observ.SetGauge("collector_sampling_mode", float64(mode), nil)
	if !mode.ShouldRun(now.Hour()) {
		observ.Log("collector_skipped", map[string]any{
			"mode": mode.String(), "hour": now.Hour(), "writes_24h": writes,
		})
		return nil
	}

	if err := c.source.ValidateCredentials(ctx); err != nil {
		observ.IncCounter("collector_credential_failures_total", nil)
		return fmt.Errorf("collector: abort cycle: %w", err)
	}

	current, err := c.source.FetchCumulative(ctx)
	if err != nil {
		observ.IncCounter("collector_fetch_failures_total", nil)
		return err
	}

	var prev Cumulative
	havePrev := true
	if err := c.store.PrevHourMetrics(ctx, &prev); err != nil {
		if !errors.Is(err, kvcs.ErrNotFound) {
			return fmt.Errorf("collector: prev hour: %w", err)
		}
		havePrev = false
		observ.Log("collector_prev_hour_missing", map[string]any{"bucket": bucket(now)})
	}

	if err := c.persistHour(ctx, now, mode, current, prev, havePrev); err != nil {
		return err
	}

	if err := c.store.PutPrevHourMetrics(ctx, current); err != nil {
		observ.Log("collector_prev_hour_write_failed", map[string]any{"error": err.Error()})
	}

	if now.Hour() == 0 {
		c.midnight(ctx, now)
	}

	c.pingWatchdog(ctx)
	observ.IncCounter("collector_cycles_total", nil)
	return nil
}

func (c *Collector) stopped(ctx context.Context) bool {
	if v, err := c.store.Setting(ctx, stopSetting); err == nil {
		return v == "true"
	}
	v, found, err := c.db.Setting(ctx, "all", stopSetting)
	if err != nil || !found {
		return false
	}
	// Refresh the cache so the hot check stays on the KV path.
	if err := c.store.CacheSetting(ctx, stopSetting, v); err != nil {
		observ.Log("collector_setting_cache_failed", map[string]any{"error": err.Error()})
	}
	return v == "true"
}

// persistHour writes the account row, per-project rows and the batched
// resource-level rows for one bucket, all idempotent on (bucket, project).
func (c *Collector) persistHour(ctx context.Context, now time.Time, mode Mode, current, prev Cumulative, havePrev bool) error {
	tb := bucket(now)
	baseHourly := pricing.RoundUSD(c.cfg.MonthlyBaseUSD / hoursPerMonth)

	prevProjects := make(map[string]ProjectUsage, len(prev.Projects))
	if havePrev {
		for _, p := range prev.Projects {
			prevProjects[p.Project] = p
		}
	}

	accountDelta := deltaBundle(current.Account.Metrics, prev.Account.Metrics, havePrev)
	accountCost, _ := pricing.Cost(accountDelta)
	if err := c.db.UpsertHourlySnapshot(ctx, warehouse.HourlySnapshot{
		TimeBucket:   tb,
		Project:      accountProject,
		Metrics:      accountDelta,
		StorageBytes: current.Account.StorageBytes,
		CostUSD:      pricing.RoundUSD(accountCost + baseHourly),
		SamplingMode: int(mode),
		CollectedAt:  now,
	}); err != nil {
		return err
	}

	var resourceRows []warehouse.ResourceRow
	for _, p := range current.Projects {
		pd := deltaBundle(p.Metrics, prevProjects[p.Project].Metrics, havePrev)
		cost, perResource := pricing.Cost(pd)
		if err := c.db.UpsertHourlySnapshot(ctx, warehouse.HourlySnapshot{
			TimeBucket:   tb,
			Project:      p.Project,
			Metrics:      pd,
			StorageBytes: p.StorageBytes,
			CostUSD:      pricing.RoundUSD(cost),
			SamplingMode: int(mode),
			CollectedAt:  now,
		}); err != nil {
			return err
		}
		for _, r := range usage.All {
			v := pd.Get(r)
			if v == 0 {
				continue
			}
			resourceRows = append(resourceRows, warehouse.ResourceRow{
				TimeBucket:      tb,
				ResourceType:    string(r),
				ResourceID:      p.Project + ":" + string(r),
				Project:         p.Project,
				Count:           v,
				CostUSD:         pricing.RoundUSD(perResource[r]),
				Source:          "collector",
				Confidence:      1.0,
				AllocationBasis: "direct",
				CreatedAt:       now,
			})
		}
	}
	return c.db.InsertResourceRows(ctx, resourceRows)
}

// deltaBundle computes max(0, current − previous) per resource, capped by
// the per-resource reasonable-delta ceiling.
func deltaBundle(current, previous usage.Bundle, havePrev bool) usage.Bundle {
	out := make(usage.Bundle, len(current))
	for _, r := range usage.All {
		cur := current.Get(r)
		if cur == 0 {
			continue
		}
		var delta int64
		if havePrev {
			delta = cur - previous.Get(r)
			if delta < 0 {
				delta = 0
			}
		} else {
			delta = cur
		}
		if ceil, ok := maxReasonableDelta[r]; ok && delta > ceil {
			observ.IncCounter("collector_delta_capped_total", map[string]string{"resource": string(r)})
			delta = ceil
		}
		if delta != 0 {
			out[r] = delta
		}
	}
	return out
}

// midnight runs the daily chain for the just-finished day. Each step is
// independent: a failed rollup must not block retention cleanup.
func (c *Collector) midnight(ctx context.Context, now time.Time) {
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	if err := c.rollups.Daily(ctx, yesterday); err != nil {
		observ.Log("midnight_daily_rollup_failed", map[string]any{"date": yesterday, "error": err.Error()})
	}
	if now.Day() == 1 {
		month := now.AddDate(0, 0, -1).Format("2006-01")
		if err := c.rollups.Monthly(ctx, month); err != nil {
			observ.Log("midnight_monthly_rollup_failed", map[string]any{"month": month, "error": err.Error()})
		}
	}
	if _, err := c.rollups.GapFill(ctx, now, c.cfg.GapFillDays); err != nil {
		observ.Log("midnight_gap_fill_failed", map[string]any{"error": err.Error()})
	}
	if n, err := c.db.CleanupRegistry(ctx, now.AddDate(0, 0, -30)); err != nil {
		observ.Log("midnight_registry_cleanup_failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		observ.Log("midnight_registry_cleanup", map[string]any{"removed": n})
	}
	if _, err := c.anomaly.Run(ctx, yesterday); err != nil {
		observ.Log("midnight_anomaly_failed", map[string]any{"error": err.Error()})
	}
	cutoff := now.AddDate(0, 0, -c.cfg.ErrorRetention)
	if n, err := c.db.DeleteErrorEventsBefore(ctx, cutoff); err != nil {
		observ.Log("midnight_error_retention_failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		observ.Log("midnight_error_retention", map[string]any{"removed": n})
	}
	if _, err := c.breaker.SweepAutoResets(ctx, now); err != nil {
		observ.Log("midnight_breaker_sweep_failed", map[string]any{"error": err.Error()})
	}
	if c.alerter != nil {
		if err := c.alerter.DailySummary(ctx, now); err != nil {
			observ.Log("midnight_daily_summary_failed", map[string]any{"error": err.Error()})
		}
	}
}

func (c *Collector) pingWatchdog(ctx context.Context) {
	if c.cfg.WatchdogURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.WatchdogURL, nil)
	if err != nil {
		return
	}
	resp, err := c.watchdog.Do(req)
	if err != nil {
		observ.Log("watchdog_ping_failed", map[string]any{"error": err.Error()})
		return
	}
	resp.Body.Close()
}

// bucket formats the hourly time bucket key.
func bucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}
