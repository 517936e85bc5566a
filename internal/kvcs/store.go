// Package kvcs is the key-value control store: the low-latency shared state
// consulted on the application hot path (circuit-breaker flags, throttle
// rates) and mutated by the enforcement and collection planes.
package kvcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/feature-governor/internal/feature"
)

// ErrNotFound reports an absent cell; callers that treat absence as a
// default branch on it with errors.Is.
var ErrNotFound = errors.New("kvcs: not found")

// Window selects the rolling-counter granularity.
type Window string

const (
	WindowHourly Window = "hourly"
	WindowDaily  Window = "daily"
)

// Duration returns the length of the window; counter TTLs are twice this.
func (w Window) Duration() time.Duration {
	if w == WindowDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Store wraps the redis client with the platform's key layout.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// FeatureStatus returns GO or STOP for a feature. Absence means GO; this is
// the single-GET hot-path read.
func (s *Store) FeatureStatus(ctx context.Context, k feature.Key) (string, error) {
	v, err := s.rdb.Get(ctx, statusKey(k)).Result()
	if err == redis.Nil {
		return StatusGo, nil
	}
	if err != nil {
		return "", fmt.Errorf("kvcs: get status: %w", err)
	}
	return v, nil
}

// StopInfo describes one tripped feature flag, read by the auto-reset sweep.
type StopInfo struct {
	Key         feature.Key
	Reason      string
	DisabledAt  time.Time
	AutoResetAt time.Time // zero for manual disables
}

// SetStop trips a feature to STOP with its sidecar cells. A zero autoResetAt
// marks a manual disable that only a manual enable clears.
func (s *Store) SetStop(ctx context.Context, k feature.Key, reason string, disabledAt, autoResetAt time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, statusKey(k), StatusStop, 0)
	pipe.Set(ctx, disabledReasonKey(k), reason, 0)
	pipe.Set(ctx, disabledAtKey(k), disabledAt.UTC().Format(time.RFC3339), 0)
	if autoResetAt.IsZero() {
		pipe.Del(ctx, autoResetAtKey(k))
	} else {
		pipe.Set(ctx, autoResetAtKey(k), autoResetAt.UTC().Format(time.RFC3339), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvcs: set stop: %w", err)
	}
	return nil
}

// ClearStop returns a feature to GO by deleting the flag and sidecars.
func (s *Store) ClearStop(ctx context.Context, k feature.Key) error {
	err := s.rdb.Del(ctx,
		statusKey(k), disabledReasonKey(k), disabledAtKey(k), autoResetAtKey(k)).Err()
	if err != nil {
		return fmt.Errorf("kvcs: clear stop: %w", err)
	}
	return nil
}

// StopFlags scans for tripped features. Used by the periodic auto-reset
// sweep, never on the hot path.
func (s *Store) StopFlags(ctx context.Context) ([]StopInfo, error) {
	var out []StopInfo
	iter := s.rdb.Scan(ctx, 0, "CONFIG:FEATURE:*"+statusSuffix, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := s.rdb.Get(ctx, key).Result()
		if err == redis.Nil || v != StatusStop {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kvcs: scan status: %w", err)
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(key, "CONFIG:FEATURE:"), statusSuffix)
		fk, err := feature.Parse(raw)
		if err != nil {
			continue
		}
		info := StopInfo{Key: fk}
		if r, err := s.rdb.Get(ctx, disabledReasonKey(fk)).Result(); err == nil {
			info.Reason = r
		}
		if at, err := s.rdb.Get(ctx, disabledAtKey(fk)).Result(); err == nil {
			info.DisabledAt, _ = time.Parse(time.RFC3339, at)
		}
		if at, err := s.rdb.Get(ctx, autoResetAtKey(fk)).Result(); err == nil {
			info.AutoResetAt, _ = time.Parse(time.RFC3339, at)
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvcs: scan: %w", err)
	}
	return out, nil
}

// IncrCounter atomically adds v to a rolling resource counter and refreshes
// its TTL to twice the window. The returned value is the post-increment
// total for the window.
func (s *Store) IncrCounter(ctx context.Context, k feature.Key, resource string, w Window, v int64) (int64, error) {
	key := counterKey(k, resource, w)
	pipe := s.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, v)
	pipe.Expire(ctx, key, 2*w.Duration())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kvcs: incr counter: %w", err)
	}
	return incr.Val(), nil
}

// CounterValue reads a rolling counter, zero when absent.
func (s *Store) CounterValue(ctx context.Context, k feature.Key, resource string, w Window) (int64, error) {
	v, err := s.rdb.Get(ctx, counterKey(k, resource, w)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kvcs: get counter: %w", err)
	}
	return v, nil
}

// GetJSON unmarshals a JSON cell into v, ErrNotFound when absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("kvcs: get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("kvcs: decode %s: %w", key, err)
	}
	return nil
}

// PutJSON writes a JSON cell with a TTL (zero means no expiry).
func (s *Store) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvcs: encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("kvcs: put %s: %w", key, err)
	}
	return nil
}

// Delete removes cells; missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvcs: del: %w", err)
	}
	return nil
}

// Typed cell accessors.

// BudgetKey / CostBudgetKey / AccumulatedCostKey / ReservoirKey / PIDKey
// expose the reserved layouts to the packages that own those cells.
func BudgetKey(k feature.Key) string          { return budgetKey(k) }
func CostBudgetKey(k feature.Key) string      { return costBudgetKey(k) }
func AccumulatedCostKey(k feature.Key) string { return accumulatedCostKey(k) }
func ReservoirKey(k feature.Key) string       { return reservoirKey(k) }
func PIDKey(k feature.Key) string             { return pidKey(k) }

// Setting reads a cached platform setting, ErrNotFound when absent.
func (s *Store) Setting(ctx context.Context, name string) (string, error) {
	v, err := s.rdb.Get(ctx, SettingKey(name)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kvcs: get setting: %w", err)
	}
	return v, nil
}

// CacheSetting writes a platform setting with the 1h settings TTL.
func (s *Store) CacheSetting(ctx context.Context, name, value string) error {
	if err := s.rdb.Set(ctx, SettingKey(name), value, time.Hour).Err(); err != nil {
		return fmt.Errorf("kvcs: cache setting: %w", err)
	}
	return nil
}

// PrevHourMetrics round-trips the prior collection's cumulative counters.
func (s *Store) PrevHourMetrics(ctx context.Context, v any) error {
	return s.GetJSON(ctx, keyPrevHourMetrics, v)
}

func (s *Store) PutPrevHourMetrics(ctx context.Context, v any) error {
	return s.PutJSON(ctx, keyPrevHourMetrics, v, 7*24*time.Hour)
}
