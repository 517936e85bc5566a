package stubs

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/opsdeck/feature-governor/internal/queue"
	"github.com/opsdeck/feature-governor/internal/usage"
)

// Generator enqueues synthetic telemetry at a fixed rate: mostly normal
// messages, a slice of errors and the occasional heartbeat, spread over a
// small fixed set of feature keys.
type Generator struct {
	q         *queue.Queue
	keys      []string
	errorRate float64
	rng       *rand.Rand
}

func NewGenerator(q *queue.Queue, keys []string, errorRate float64, seed int64) *Generator {
	return &Generator{
		q:         q,
		keys:      keys,
		errorRate: errorRate,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Run produces one message per interval until the context is cancelled.
func (g *Generator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.q.Enqueue(ctx, g.next()); err != nil {
				return fmt.Errorf("stubs: enqueue: %w", err)
			}
		}
	}
}

func (g *Generator) next() queue.Message {
	key := g.keys[g.rng.Intn(len(g.keys))]
	m := queue.Message{
		FeatureKey:  key,
		TimestampMs: time.Now().UnixMilli(),
	}
	// 1 in 20 is a heartbeat.
	if g.rng.Intn(20) == 0 {
		m.IsHeartbeat = true
		return m
	}
	m.Metrics = usage.Bundle{
		usage.RelationalWrites: int64(g.rng.Intn(50)),
		usage.RelationalReads:  int64(g.rng.Intn(500)),
		usage.CacheReads:       int64(g.rng.Intn(1000)),
		usage.ComputeRequests:  1,
		usage.CPUMs:            int64(5 + g.rng.Intn(200)),
	}
	m.RequestDurationMs = float64(10 + g.rng.Intn(400))
	if g.rng.Float64() < g.errorRate {
		m.ErrorCount = 1
		m.ErrorCategory = g.pickCategory()
		m.ErrorCodes = []string{"500"}
	}
	return m
}

func (g *Generator) pickCategory() string {
	cats := []string{"VALIDATION", "NETWORK", "TIMEOUT", "EXTERNAL_API", "CACHE"}
	return cats[g.rng.Intn(len(cats))]
}
