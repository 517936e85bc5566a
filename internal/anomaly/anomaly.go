// Package anomaly flags daily usage values that deviate from the prior
// week's distribution: |v − mean| / stddev ≥ the deviation factor, with a
// minimum sample count so two quiet days cannot make everything anomalous.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opsdeck/feature-governor/internal/alerts"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/usage"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

const (
	DefaultDeviationFactor = 3.0
	minSamples             = 3
	historyDays            = 7
)

type Detector struct {
	db              *warehouse.DB
	alerter         *alerts.Alerter
	deviationFactor float64
}

func NewDetector(db *warehouse.DB, alerter *alerts.Alerter, deviationFactor float64) *Detector {
	if deviationFactor <= 0 {
		deviationFactor = DefaultDeviationFactor
	}
	return &Detector{db: db, alerter: alerter, deviationFactor: deviationFactor}
}

// Run checks every (metric, project) pair in one day's rollups against the
// prior week. Returns the number of anomalies recorded.
func (d *Detector) Run(ctx context.Context, date string) (int, error) {
	rows, err := d.db.AggregateHourlyForDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("anomaly: load day: %w", err)
	}
	found := 0
	for _, row := range rows {
		for _, metric := range usage.All {
			v := float64(row.Metrics.Get(metric))
			anomalous, avg, stddev, factor, err := d.check(ctx, string(metric), row.Project, date, v)
			if err != nil {
				observ.Log("anomaly_check_error", map[string]any{
					"metric": string(metric), "project": row.Project, "error": err.Error(),
				})
				continue
			}
			if !anomalous {
				continue
			}
			if err := d.record(ctx, string(metric), row.Project, v, avg, stddev, factor); err != nil {
				return found, err
			}
			found++
		}
	}
	if found > 0 {
		observ.IncCounterBy("anomalies_detected_total", nil, float64(found))
	}
	return found, nil
}

// check computes the rolling statistics for one (metric, project).
func (d *Detector) check(ctx context.Context, metric, project, date string, v float64) (bool, float64, float64, float64, error) {
	history, err := d.db.DailyMetricHistory(ctx, metric, project, date, historyDays)
	if err != nil {
		return false, 0, 0, 0, err
	}
	if len(history) < minSamples {
		return false, 0, 0, 0, nil
	}
	avg, stddev := meanStddev(history)
	if stddev == 0 {
		return false, avg, 0, 0, nil
	}
	factor := math.Abs(v-avg) / stddev
	return factor >= d.deviationFactor, avg, stddev, factor, nil
}

// record inserts the anomaly row and alerts once; an unresolved anomaly
// for the same (metric, project) suppresses further alerts.
func (d *Detector) record(ctx context.Context, metric, project string, v, avg, stddev, factor float64) error {
	unresolved, err := d.db.HasUnresolvedAnomaly(ctx, metric, project)
	if err != nil {
		return fmt.Errorf("anomaly: dedupe check: %w", err)
	}
	a := warehouse.Anomaly{
		DetectedAt:      time.Now().UTC(),
		MetricName:      metric,
		Project:         project,
		CurrentValue:    v,
		RollingAvg:      avg,
		RollingStddev:   stddev,
		DeviationFactor: factor,
		AlertSent:       !unresolved,
	}
	if err := d.db.InsertAnomaly(ctx, a); err != nil {
		return fmt.Errorf("anomaly: insert: %w", err)
	}
	observ.Log("anomaly_detected", map[string]any{
		"metric": metric, "project": project,
		"current_value": v, "rolling_avg": avg, "deviation_factor": factor,
		"alerted": !unresolved,
	})
	if !unresolved && d.alerter != nil {
		d.alerter.AnomalyDetected(ctx, a)
	}
	return nil
}

func meanStddev(vals []float64) (float64, float64) {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}
