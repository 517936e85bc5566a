// Package alerts escalates classified errors: P0 pages immediately, P1
// ships in an hourly digest, P2 in a daily summary. Delivery is
// best-effort over a webhook; a failed alert never blocks the consumer.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/opsdeck/feature-governor/internal/observ"
)

// Payload is the wire shape posted to the webhook.
type Payload struct {
	Priority   string         `json:"priority"` // P0 | P1 | P2
	Title      string         `json:"title"`
	FeatureKey string         `json:"feature_key,omitempty"`
	Category   string         `json:"category,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Webhook posts alert payloads with one retry. Fail-open: on final failure
// it logs and returns; alerting must never become the incident.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Deliver(ctx context.Context, p Payload) {
	if w.url == "" {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		observ.Log("alert_marshal_error", map[string]any{"error": err.Error()})
		return
	}
	if w.post(ctx, body) {
		observ.IncCounter("alerts_sent_total", map[string]string{"priority": p.Priority})
		return
	}
	// One retry, then give up.
	if w.post(ctx, body) {
		observ.IncCounter("alerts_sent_total", map[string]string{"priority": p.Priority})
		return
	}
	observ.IncCounter("alert_delivery_failures_total", map[string]string{"priority": p.Priority})
	observ.Log("alert_delivery_failed", map[string]any{
		"priority": p.Priority, "title": p.Title,
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
