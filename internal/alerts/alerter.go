package alerts

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/errdetect"
	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

const digestTopN = 10

// Alerter decides escalation. P0 fires immediately for circuit-breaker
// errors or a windowed error-rate breach; P1 and P2 are batched into the
// hourly digest and daily summary the scheduler triggers.
type Alerter struct {
	cfg      config.Alerts
	webhook  *Webhook
	db       *warehouse.DB
	window   *rateWindow
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSent map[string]time.Time // fingerprint dedupe
}

func New(cfg config.Alerts, db *warehouse.DB) *Alerter {
	return &Alerter{
		cfg:      cfg,
		webhook:  NewWebhook(cfg.WebhookURL, time.Duration(cfg.TimeoutMs)*time.Millisecond),
		db:       db,
		window:   newRateWindow(time.Duration(cfg.WindowMinutes) * time.Minute),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), cfg.PerMinute),
		lastSent: make(map[string]time.Time),
	}
}

// RecordResult feeds the sliding error-rate window for one processed
// message. Call it for successes and errors alike.
func (a *Alerter) RecordResult(k feature.Key, isError bool, now time.Time) {
	a.window.record(k.String(), isError, now)
}

// HandleError evaluates one classified error for P0 escalation. Returns
// true when a P0 was emitted. Lower-priority errors wait for the digests.
func (a *Alerter) HandleError(ctx context.Context, k feature.Key, category errdetect.Category, code, fingerprint string, now time.Time) bool {
	if category == errdetect.CircuitBreaker {
		a.emitP0(ctx, k, category, code, fingerprint, "circuit breaker error", now, nil)
		return true
	}
	r, total := a.window.rate(k.String(), now)
	if total >= a.cfg.MinRequests && r >= a.cfg.P0ErrorRate {
		a.emitP0(ctx, k, category, code, fingerprint, "error rate breach", now, map[string]any{
			"error_rate":     r,
			"total_requests": total,
			"threshold":      a.cfg.P0ErrorRate,
		})
		return true
	}
	return false
}

func (a *Alerter) emitP0(ctx context.Context, k feature.Key, category errdetect.Category, code, fingerprint, title string, now time.Time, details map[string]any) {
	if a.deduped(fingerprint, now) {
		observ.IncCounter("alerts_deduped_total", map[string]string{"priority": "P0"})
		return
	}
	if !a.limiter.Allow() {
		observ.IncCounter("alerts_rate_limited_total", map[string]string{"priority": "P0"})
		observ.Log("alert_rate_limited", map[string]any{"feature_key": k.String()})
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["code"] = code
	details["fingerprint"] = fingerprint
	a.webhook.Deliver(ctx, Payload{
		Priority:   "P0",
		Title:      title,
		FeatureKey: k.String(),
		Category:   string(category),
		Details:    details,
		Timestamp:  now,
	})
}

// deduped reports whether this fingerprint already alerted inside the
// dedupe window, recording it otherwise.
func (a *Alerter) deduped(fingerprint string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	win := time.Duration(a.cfg.DedupeWindowMinutes) * time.Minute
	if last, ok := a.lastSent[fingerprint]; ok && now.Sub(last) < win {
		return true
	}
	a.lastSent[fingerprint] = now
	// Opportunistic cleanup keeps the map bounded.
	for fp, t := range a.lastSent {
		if now.Sub(t) > 2*win {
			delete(a.lastSent, fp)
		}
	}
	return false
}

// HourlyDigest aggregates the last hour of non-P0 errors grouped by
// (feature, category) and sends one P1 payload. Empty hours send nothing.
func (a *Alerter) HourlyDigest(ctx context.Context, now time.Time) error {
	groups, err := a.db.ErrorGroupsSince(ctx, now.Add(-time.Hour), "P0", digestTopN)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	items := make([]map[string]any, 0, len(groups))
	total := int64(0)
	for _, g := range groups {
		total += g.Count
		items = append(items, map[string]any{
			"feature_key": g.FeatureKey, "category": g.Category, "count": g.Count,
		})
	}
	a.webhook.Deliver(ctx, Payload{
		Priority:  "P1",
		Title:     "hourly error digest",
		Details:   map[string]any{"groups": items, "total_errors": total},
		Timestamp: now,
	})
	return nil
}

// DailySummary aggregates the last 24h: top error groups plus the distinct
// error-type count, sent as one P2 payload.
func (a *Alerter) DailySummary(ctx context.Context, now time.Time) error {
	since := now.Add(-24 * time.Hour)
	groups, err := a.db.ErrorGroupsSince(ctx, since, "", digestTopN)
	if err != nil {
		return err
	}
	distinct, err := a.db.DistinctErrorTypesSince(ctx, since)
	if err != nil {
		return err
	}
	if len(groups) == 0 && distinct == 0 {
		return nil
	}
	items := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		items = append(items, map[string]any{
			"feature_key": g.FeatureKey, "category": g.Category, "count": g.Count,
		})
	}
	a.webhook.Deliver(ctx, Payload{
		Priority:  "P2",
		Title:     "daily error summary",
		Details:   map[string]any{"top_errors": items, "distinct_types": distinct},
		Timestamp: now,
	})
	return nil
}

// BreakerTripped pages the operator for a trip; the trip itself already
// happened, so delivery is fire-and-forget. Returns true when a payload
// went to the webhook, false when alerting is disabled or deduped.
func (a *Alerter) BreakerTripped(ctx context.Context, k feature.Key, reason, violatedResource string, current, limit float64, now time.Time) bool {
	if a.cfg.WebhookURL == "" {
		return false
	}
	fp := errdetect.Fingerprint(errdetect.CircuitBreaker, "", "breaker_trip", k.String())
	if a.deduped(fp, now) {
		return false
	}
	a.webhook.Deliver(ctx, Payload{
		Priority:   "P0",
		Title:      "feature circuit breaker tripped",
		FeatureKey: k.String(),
		Category:   string(errdetect.CircuitBreaker),
		Details: map[string]any{
			"reason":            reason,
			"violated_resource": violatedResource,
			"current_value":     current,
			"budget_limit":      limit,
		},
		Timestamp: now,
	})
	return true
}

// AnomalyDetected sends the single alert for a new anomaly row.
func (a *Alerter) AnomalyDetected(ctx context.Context, an warehouse.Anomaly) {
	a.webhook.Deliver(ctx, Payload{
		Priority: "P1",
		Title:    "usage anomaly detected",
		Details: map[string]any{
			"metric":           an.MetricName,
			"project":          an.Project,
			"current_value":    an.CurrentValue,
			"rolling_avg":      an.RollingAvg,
			"deviation_factor": an.DeviationFactor,
		},
		Timestamp: an.DetectedAt,
	})
}
