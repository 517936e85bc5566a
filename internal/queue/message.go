// Package queue is the telemetry transport: a redis list with a processing
// sidecar list for visibility, per-message ack/retry, and a deadletter
// list after exhausted retries. At-least-once; downstream writes are
// idempotent so redelivery is safe.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/usage"
)

// Message is one telemetry envelope as produced by applications, plus the
// Attempts counter the queue maintains across retries.
type Message struct {
	FeatureKey        string           `json:"feature_key"`
	Project           string           `json:"project"`
	Category          string           `json:"category"`
	Feature           string           `json:"feature"`
	Metrics           usage.Bundle     `json:"metrics,omitempty"`
	ModelUsage        map[string]int64 `json:"model_usage,omitempty"`
	TimestampMs       int64            `json:"timestamp_ms"`
	IsHeartbeat       bool             `json:"is_heartbeat,omitempty"`
	ErrorCount        int              `json:"error_count,omitempty"`
	ErrorCategory     string           `json:"error_category,omitempty"`
	ErrorCodes        []string         `json:"error_codes,omitempty"`
	CorrelationID     string           `json:"correlation_id,omitempty"`
	TraceID           string           `json:"trace_id,omitempty"`
	SpanID            string           `json:"span_id,omitempty"`
	RequestDurationMs float64          `json:"request_duration_ms,omitempty"`
	ExternalCostUSD   float64          `json:"external_cost_usd,omitempty"`
	Attempts          int              `json:"attempts,omitempty"`
}

// Key parses and cross-checks the feature key against the component fields.
func (m *Message) Key() (feature.Key, error) {
	k, err := feature.Parse(m.FeatureKey)
	if err != nil {
		return feature.Key{}, err
	}
	if m.Project != "" && (m.Project != k.Project || m.Category != k.Category || m.Feature != k.Feature) {
		return feature.Key{}, fmt.Errorf("queue: feature_key %q does not match components %s:%s:%s",
			m.FeatureKey, m.Project, m.Category, m.Feature)
	}
	return k, nil
}

// Validate rejects malformed envelopes before any state is touched.
func (m *Message) Validate() error {
	if _, err := m.Key(); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if err := m.Metrics.Validate(); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	for model, n := range m.ModelUsage {
		if n < 0 {
			return fmt.Errorf("validation: negative model usage for %s", model)
		}
	}
	return nil
}

func decode(raw string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("queue: decode message: %w", err)
	}
	return m, nil
}
