package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/feature-governor/internal/observ"
)

// leaseTTL bounds how long a dead consumer's in-flight messages stay
// invisible before any peer may reclaim them.
const leaseTTL = 5 * time.Minute

// Queue is a redis-list work queue. Producers LPUSH onto the main list;
// Dequeue moves entries onto a per-instance processing list so a crashed
// consumer leaves its in-flight messages visible for recovery. Each
// instance holds a TTL'd lease refreshed on every dequeue; recovery only
// drains processing lists whose owner's lease has expired, so a restart
// never steals a live peer's in-flight work.
type Queue struct {
	rdb        *redis.Client
	name       string
	instance   string
	processing string
	deadletter string
	maxRetries int
}

func New(rdb *redis.Client, name, deadletter string, maxRetries int) *Queue {
	id := uuid.NewString()[:8]
	return &Queue{
		rdb:        rdb,
		name:       name,
		instance:   id,
		processing: name + ":processing:" + id,
		deadletter: deadletter,
		maxRetries: maxRetries,
	}
}

func (q *Queue) leaseKey(instance string) string {
	return q.name + ":lease:" + instance
}

// Delivery pairs a decoded message with the raw payload needed to ack it.
type Delivery struct {
	Msg Message
	raw string
}

// Enqueue publishes one message.
func (q *Queue) Enqueue(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.name, b).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue moves up to max messages onto the processing list. It blocks up
// to pollTimeout for the first message, then drains without blocking so a
// trickle does not stall a whole batch. Undecodable payloads go straight
// to the deadletter.
func (q *Queue) Dequeue(ctx context.Context, max int, pollTimeout time.Duration) ([]Delivery, error) {
	if err := q.rdb.Set(ctx, q.leaseKey(q.instance), "1", leaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	var out []Delivery
	raw, err := q.rdb.BLMove(ctx, q.name, q.processing, "RIGHT", "LEFT", pollTimeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if d, ok := q.decodeOrBury(ctx, raw); ok {
		out = append(out, d)
	}
	for len(out) < max {
		raw, err := q.rdb.LMove(ctx, q.name, q.processing, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, fmt.Errorf("queue: dequeue: %w", err)
		}
		if d, ok := q.decodeOrBury(ctx, raw); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (q *Queue) decodeOrBury(ctx context.Context, raw string) (Delivery, bool) {
	m, err := decode(raw)
	if err != nil {
		observ.IncCounter("queue_poison_messages_total", nil)
		observ.Log("queue_poison_message", map[string]any{"error": err.Error()})
		q.rdb.LRem(ctx, q.processing, 1, raw)
		q.rdb.LPush(ctx, q.deadletter, raw)
		return Delivery{}, false
	}
	return Delivery{Msg: m, raw: raw}, true
}

// Ack removes a delivered message from the processing list.
func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	if err := q.rdb.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Retry requeues a failed message with its attempt counter bumped, or
// routes it to the deadletter once retries are exhausted.
func (q *Queue) Retry(ctx context.Context, d Delivery) error {
	if err := q.rdb.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("queue: retry remove: %w", err)
	}
	d.Msg.Attempts++
	b, err := json.Marshal(d.Msg)
	if err != nil {
		return fmt.Errorf("queue: retry encode: %w", err)
	}
	if d.Msg.Attempts >= q.maxRetries {
		observ.IncCounter("queue_deadlettered_total", nil)
		observ.Log("queue_deadletter", map[string]any{
			"feature_key": d.Msg.FeatureKey, "attempts": d.Msg.Attempts,
		})
		if err := q.rdb.LPush(ctx, q.deadletter, b).Err(); err != nil {
			return fmt.Errorf("queue: deadletter: %w", err)
		}
		return nil
	}
	observ.IncCounter("consumer_retries_total", nil)
	if err := q.rdb.LPush(ctx, q.name, b).Err(); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	return nil
}

// Depth reports the main-list length for the metrics dump.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}

// RecoverStuck reclaims in-flight messages from processing lists whose
// owning instance no longer holds a lease. Run at consumer startup; a
// freshly crashed peer's messages become reclaimable once its lease
// expires, while live peers are left alone.
func (q *Queue) RecoverStuck(ctx context.Context) (int, error) {
	prefix := q.name + ":processing:"
	n := 0
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return n, fmt.Errorf("queue: recover scan: %w", err)
		}
		for _, key := range keys {
			if key == q.processing {
				continue
			}
			owner := strings.TrimPrefix(key, prefix)
			held, err := q.rdb.Exists(ctx, q.leaseKey(owner)).Result()
			if err != nil {
				return n, fmt.Errorf("queue: recover lease check: %w", err)
			}
			if held > 0 {
				continue
			}
			for {
				_, err := q.rdb.LMove(ctx, key, q.name, "RIGHT", "LEFT").Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					return n, fmt.Errorf("queue: recover: %w", err)
				}
				n++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if n > 0 {
		observ.Log("queue_recovered_inflight", map[string]any{"count": n})
	}
	return n, nil
}
