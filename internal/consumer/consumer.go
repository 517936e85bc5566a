// Package consumer drains the telemetry queue in batches and fans each
// message out to the warehouse, the budget and cost enforcers, error
// detection and the degradation state. At-least-once: every downstream
// write is an idempotent upsert or an append keyed by random ID, so a
// retried message cannot double-count an aggregate.
package consumer

import (
	"context"
	"time"

	"github.com/opsdeck/feature-governor/internal/alerts"
	"github.com/opsdeck/feature-governor/internal/budget"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/errdetect"
	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/pricing"
	"github.com/opsdeck/feature-governor/internal/queue"
	"github.com/opsdeck/feature-governor/internal/throttle"
	"github.com/opsdeck/feature-governor/internal/usage"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

const errorWindow = 5 * time.Minute

type Consumer struct {
	q        *queue.Queue
	db       *warehouse.DB
	enforcer *budget.Enforcer
	cost     *budget.CostEnforcer
	degrade  *throttle.Controller
	alerter  *alerts.Alerter
	sampling config.ErrorSampling
	batch    int
	poll     time.Duration
}

func New(q *queue.Queue, db *warehouse.DB, enforcer *budget.Enforcer, cost *budget.CostEnforcer,
	degrade *throttle.Controller, alerter *alerts.Alerter, cfg config.Root) *Consumer {
	return &Consumer{
		q:        q,
		db:       db,
		enforcer: enforcer,
		cost:     cost,
		degrade:  degrade,
		alerter:  alerter,
		sampling: cfg.ErrorSampling,
		batch:    cfg.Queue.BatchSize,
		poll:     time.Duration(cfg.Queue.PollTimeoutMs) * time.Millisecond,
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.q.RecoverStuck(ctx); err != nil {
		observ.Log("consumer_recover_error", map[string]any{"error": err.Error()})
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := c.ProcessOnce(ctx); err != nil {
			observ.Log("consumer_batch_error", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOnce drains and processes one batch, returning the number of
// messages handled. A per-message failure retries that message only; the
// batch survives.
func (c *Consumer) ProcessOnce(ctx context.Context) (int, error) {
	deliveries, err := c.q.Dequeue(ctx, c.batch, c.poll)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	sampler := errdetect.NewSampler(c.sampling.TriggerThreshold, c.sampling.SampleRate)
	states := batchStates{}
	retried := 0

	for _, d := range deliveries {
		if err := c.handle(ctx, d.Msg, sampler, states); err != nil {
			retried++
			c.recordFailure(ctx, d.Msg, err)
			if rerr := c.q.Retry(ctx, d); rerr != nil {
				observ.Log("consumer_retry_error", map[string]any{"error": rerr.Error()})
			}
			continue
		}
		observ.IncCounter("consumer_messages_total", nil)
		if err := c.q.Ack(ctx, d); err != nil {
			observ.Log("consumer_ack_error", map[string]any{"error": err.Error()})
		}
	}

	// One degradation pass per feature seen, amortizing the KVCS traffic.
	now := time.Now()
	for _, st := range states {
		c.degrade.Process(ctx, st.key, st.cpuMsSamples, st.bcuTotal, now)
	}

	observ.Log("consumer_batch_done", map[string]any{
		"messages":        len(deliveries),
		"retried":         retried,
		"features":        len(states),
		"errors":          sampler.TotalErrors,
		"sampled_errors":  sampler.SampledErrors,
		"sampling_active": sampler.SamplingActive,
	})
	return len(deliveries), nil
}

func (c *Consumer) handle(ctx context.Context, m queue.Message, sampler *errdetect.Sampler, states batchStates) error {
	if err := m.Validate(); err != nil {
		return err
	}
	k, _ := m.Key()

	// Heartbeats touch the health row and nothing else: no counters, no
	// breaker state, no batch accounting.
	if m.IsHeartbeat {
		return c.db.UpsertFeatureHealth(ctx, k, "healthy", time.UnixMilli(m.TimestampMs))
	}

	sampler.ObserveMessage()
	ts := time.UnixMilli(m.TimestampMs)

	cfCost, _ := pricing.Cost(m.Metrics)
	combined := pricing.RoundUSD(cfCost + m.ExternalCostUSD)

	if err := c.db.InsertFact(ctx, warehouse.FactRow{
		Key:           k,
		Metrics:       m.Metrics,
		CostUSD:       combined,
		ExternalUSD:   m.ExternalCostUSD,
		TimestampMs:   m.TimestampMs,
		CorrelationID: m.CorrelationID,
		TraceID:       m.TraceID,
	}); err != nil {
		return err
	}

	st := states.get(k)
	st.messageCount++
	st.lastTimestamp = m.TimestampMs
	st.bcuTotal += pricing.BCU(m.Metrics).Total
	if cpu := m.Metrics.Get(usage.CPUMs); cpu > 0 {
		st.cpuMsSamples = append(st.cpuMsSamples, float64(cpu))
	}

	// Enforcement never fails the message; both enforcers swallow errors.
	c.enforcer.Apply(ctx, k, m.Metrics)
	c.cost.Apply(ctx, k, combined)

	// Default the category once so events, alerts and the window bucket
	// agree on what an unlabeled error is.
	cat := errdetect.Internal
	if m.ErrorCategory != "" {
		cat = errdetect.Category(m.ErrorCategory)
	}
	c.handleErrors(ctx, k, m, cat, sampler, st, ts)

	if err := c.upsertErrorWindow(ctx, k, m, cat, ts); err != nil {
		return err
	}

	for model, n := range m.ModelUsage {
		if n == 0 {
			continue
		}
		if err := c.db.UpsertModelUsage(ctx, ts.UTC().Format("2006-01-02"), k, model, n); err != nil {
			return err
		}
	}
	return nil
}

// handleErrors counts reported errors toward the batch and sliding-window
// rates, persists the sampled subset, and lets the alerter escalate.
// Persistence and alerting are decoupled: a dropped event still alerts.
func (c *Consumer) handleErrors(ctx context.Context, k feature.Key, m queue.Message, cat errdetect.Category, sampler *errdetect.Sampler, st *featureBatchState, ts time.Time) {
	if m.ErrorCount <= 0 {
		c.alerter.RecordResult(k, false, ts)
		return
	}
	st.errorCount += m.ErrorCount

	for i := 0; i < m.ErrorCount; i++ {
		code := ""
		if i < len(m.ErrorCodes) {
			code = m.ErrorCodes[i]
		}
		c.alerter.RecordResult(k, true, ts)
		fp := errdetect.Fingerprint(cat, code, "reported", k.String())
		c.alerter.HandleError(ctx, k, cat, code, fp, ts)

		if !sampler.ShouldPersist(cat) {
			continue
		}
		if err := c.db.InsertErrorEvent(ctx, warehouse.ErrorEvent{
			Key:           k,
			Category:      string(cat),
			Code:          code,
			CorrelationID: m.CorrelationID,
			Priority:      cat.Priority(),
			CreatedAt:     ts,
		}); err != nil {
			observ.Log("consumer_error_event_write_failed", map[string]any{
				"feature_key": k.String(), "error": err.Error(),
			})
		}
	}
}

func (c *Consumer) upsertErrorWindow(ctx context.Context, k feature.Key, m queue.Message, cat errdetect.Category, ts time.Time) error {
	start := ts.Truncate(errorWindow)
	delta := warehouse.WindowDelta{}
	if m.ErrorCount > 0 {
		delta.Errors = int64(m.ErrorCount)
		switch cat {
		case errdetect.Validation:
			delta.Validation = delta.Errors
		case errdetect.Network:
			delta.Network = delta.Errors
		case errdetect.Internal:
			delta.Internal = delta.Errors
		case errdetect.Timeout:
			delta.Timeout = delta.Errors
		default:
			delta.Other = delta.Errors
		}
	} else {
		delta.Success = 1
	}
	return c.db.UpsertErrorBudgetWindow(ctx, k, start, start.Add(errorWindow), delta)
}

// recordFailure classifies a processing failure, logs it with a
// fingerprint and counts it; critical categories always persist an event
// row regardless of sampler pressure.
func (c *Consumer) recordFailure(ctx context.Context, m queue.Message, err error) {
	cat, code := errdetect.Classify(err)
	fp := errdetect.Fingerprint(cat, code, "consumer", m.FeatureKey)
	observ.IncCounter("consumer_failures_total", map[string]string{"category": string(cat)})
	observ.Log("consumer_message_failed", map[string]any{
		"feature_key": m.FeatureKey,
		"category":    string(cat),
		"code":        code,
		"fingerprint": fp,
		"attempts":    m.Attempts,
		"error":       err.Error(),
	})
	if k, kerr := feature.Parse(m.FeatureKey); kerr == nil {
		if ierr := c.db.InsertErrorEvent(ctx, warehouse.ErrorEvent{
			Key:           k,
			Category:      string(cat),
			Code:          code,
			CorrelationID: m.CorrelationID,
			Priority:      cat.Priority(),
			CreatedAt:     time.Now(),
		}); ierr != nil {
			observ.Log("consumer_error_event_write_failed", map[string]any{
				"feature_key": m.FeatureKey, "error": ierr.Error(),
			})
		}
	}
}
