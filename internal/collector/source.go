package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/usage"
)

// ProjectUsage carries one project's cumulative counters from the external
// telemetry source. Counters are lifetime totals; the collector turns them
// into hourly deltas.
type ProjectUsage struct {
	Project      string       `json:"project"`
	Metrics      usage.Bundle `json:"metrics"`
	StorageBytes int64        `json:"storage_bytes"`
}

// Cumulative is one full pull: the account aggregate plus the per-project
// breakdown. It also round-trips through the prior-hour KVCS cell.
type Cumulative struct {
	Account     ProjectUsage   `json:"account"`
	Projects    []ProjectUsage `json:"projects"`
	CollectedMs int64          `json:"collected_ms"`
}

// Source pulls cumulative usage from the external telemetry API.
type Source struct {
	baseURL     string
	token       string
	accountID   string
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
}

func NewSource(baseURL, token, accountID string, timeout time.Duration, maxRetries int, backoffBase time.Duration) *Source {
	return &Source{
		baseURL:     baseURL,
		token:       token,
		accountID:   accountID,
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
	}
}

// ValidateCredentials verifies the token before any data is pulled. A
// collection with a bad credential is aborted outright: no data beats
// wrong data.
func (s *Source) ValidateCredentials(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/accounts/%s/tokens/verify", s.baseURL, s.accountID), nil)
	if err != nil {
		return fmt.Errorf("collector: build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("collector: verify credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("collector: credential rejected: status=%d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collector: verify credentials: status=%d", resp.StatusCode)
	}
	return nil
}

// FetchCumulative pulls the cumulative counters with exponential-backoff
// retry (2s, 4s, 8s by default).
func (s *Source) FetchCumulative(ctx context.Context) (Cumulative, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.backoffBase << (attempt - 1)
			observ.Log("collector_fetch_retry", map[string]any{
				"attempt": attempt, "backoff_ms": backoff.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				return Cumulative{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		c, err := s.fetch(ctx)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return Cumulative{}, fmt.Errorf("collector: fetch after %d retries: %w", s.maxRetries, lastErr)
}

func (s *Source) fetch(ctx context.Context) (Cumulative, error) {
	var c Cumulative
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/accounts/%s/usage/cumulative", s.baseURL, s.accountID), nil)
	if err != nil {
		return c, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return c, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return c, fmt.Errorf("status=%d body=%s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return c, fmt.Errorf("decode usage: %w", err)
	}
	if err := c.Account.Metrics.Validate(); err != nil {
		return c, fmt.Errorf("account metrics: %w", err)
	}
	for _, p := range c.Projects {
		if err := p.Metrics.Validate(); err != nil {
			return c, fmt.Errorf("project %s metrics: %w", p.Project, err)
		}
	}
	c.CollectedMs = time.Now().UnixMilli()
	return c, nil
}
