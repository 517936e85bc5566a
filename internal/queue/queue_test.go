package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/feature-governor/internal/usage"
)

func testQueue(t *testing.T, maxRetries int) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return peerQueue(t, mr, maxRetries), mr
}

// peerQueue attaches another consumer instance to the same redis.
func peerQueue(t *testing.T, mr *miniredis.Miniredis, maxRetries int) *Queue {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "telemetry", "telemetry:deadletter", maxRetries)
}

func msg(key string) Message {
	return Message{
		FeatureKey:  key,
		TimestampMs: time.Now().UnixMilli(),
		Metrics:     usage.Bundle{usage.RelationalWrites: 1},
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, mr := testQueue(t, 3)
	ctx := context.Background()

	for _, k := range []string{"shop:checkout:apply", "shop:search:rank"} {
		if err := q.Enqueue(ctx, msg(k)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	got, err := q.Dequeue(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("dequeued %d, want 2", len(got))
	}
	// FIFO: the first enqueued message comes out first.
	if got[0].Msg.FeatureKey != "shop:checkout:apply" {
		t.Fatalf("order: first = %s", got[0].Msg.FeatureKey)
	}
	// In-flight messages sit on this instance's processing list, not the
	// main list.
	if n, _ := mr.List(q.processing); len(n) != 2 {
		t.Fatalf("processing = %d, want 2", len(n))
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("depth = %d err=%v, want 0", depth, err)
	}

	for _, d := range got {
		if err := q.Ack(ctx, d); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if n, _ := mr.List(q.processing); len(n) != 0 {
		t.Fatalf("processing not empty after ack: %v", n)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _ := testQueue(t, 3)
	got, err := q.Dequeue(context.Background(), 10, 50*time.Millisecond)
	if err != nil || got != nil {
		t.Fatalf("empty dequeue = %v err=%v", got, err)
	}
}

func TestRetryRequeuesWithAttemptBump(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	if err := q.Enqueue(ctx, msg("shop:checkout:apply")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.Dequeue(ctx, 1, 100*time.Millisecond)
	if err != nil || len(got) != 1 {
		t.Fatalf("dequeue: %v / %d", err, len(got))
	}
	if err := q.Retry(ctx, got[0]); err != nil {
		t.Fatalf("retry: %v", err)
	}

	again, err := q.Dequeue(ctx, 1, 100*time.Millisecond)
	if err != nil || len(again) != 1 {
		t.Fatalf("redequeue: %v / %d", err, len(again))
	}
	if again[0].Msg.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", again[0].Msg.Attempts)
	}
}

func TestRetryExhaustionDeadletters(t *testing.T) {
	q, mr := testQueue(t, 2)
	ctx := context.Background()

	if err := q.Enqueue(ctx, msg("shop:checkout:apply")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := q.Dequeue(ctx, 1, 100*time.Millisecond)
		if err != nil || len(got) != 1 {
			t.Fatalf("attempt %d dequeue: %v / %d", i, err, len(got))
		}
		if err := q.Retry(ctx, got[0]); err != nil {
			t.Fatalf("attempt %d retry: %v", i, err)
		}
	}
	// Second retry hits max_retries=2: gone from the main list, buried.
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("depth = %d after exhaustion, want 0", depth)
	}
	dead, err := mr.List("telemetry:deadletter")
	if err != nil || len(dead) != 1 {
		t.Fatalf("deadletter = %d err=%v, want 1", len(dead), err)
	}
	if n, _ := mr.List(q.processing); len(n) != 0 {
		t.Fatalf("processing not empty: %v", n)
	}
}

func TestPoisonPayloadGoesToDeadletter(t *testing.T) {
	q, mr := testQueue(t, 3)
	ctx := context.Background()

	mr.Lpush("telemetry", "{not json")
	if err := q.Enqueue(ctx, msg("shop:checkout:apply")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.Dequeue(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1 (poison filtered)", len(got))
	}
	dead, _ := mr.List("telemetry:deadletter")
	if len(dead) != 1 || dead[0] != "{not json" {
		t.Fatalf("deadletter = %v", dead)
	}
}

func TestRecoverStuckReclaimsDeadInstance(t *testing.T) {
	q, mr := testQueue(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, msg("shop:checkout:apply")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// Simulate a crash: dequeue, never ack, lease expires.
	if _, err := q.Dequeue(ctx, 3, 100*time.Millisecond); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	mr.FastForward(leaseTTL + time.Minute)

	restarted := peerQueue(t, mr, 3)
	n, err := restarted.RecoverStuck(ctx)
	if err != nil || n != 3 {
		t.Fatalf("recovered = %d err=%v, want 3", n, err)
	}
	depth, _ := restarted.Depth(ctx)
	if depth != 3 {
		t.Fatalf("depth = %d after recovery, want 3", depth)
	}
}

// A restarting instance must not steal in-flight messages from a peer
// whose lease is still live.
func TestRecoverStuckSkipsLivePeer(t *testing.T) {
	q, mr := testQueue(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, msg("shop:checkout:apply")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := q.Dequeue(ctx, 2, 100*time.Millisecond); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	peer := peerQueue(t, mr, 3)
	n, err := peer.RecoverStuck(ctx)
	if err != nil || n != 0 {
		t.Fatalf("recovered = %d err=%v, want 0", n, err)
	}
	if inflight, _ := mr.List(q.processing); len(inflight) != 2 {
		t.Fatalf("live peer lost in-flight messages: %d left", len(inflight))
	}
	depth, _ := peer.Depth(ctx)
	if depth != 0 {
		t.Fatalf("depth = %d, want 0", depth)
	}
}

func TestMessageValidate(t *testing.T) {
	testCases := []struct {
		name string
		m    Message
		ok   bool
	}{
		{"valid", Message{FeatureKey: "shop:checkout:apply"}, true},
		{"components match", Message{FeatureKey: "shop:checkout:apply", Project: "shop", Category: "checkout", Feature: "apply"}, true},
		{"component mismatch", Message{FeatureKey: "shop:checkout:apply", Project: "blog", Category: "checkout", Feature: "apply"}, false},
		{"bad key", Message{FeatureKey: "not-a-key"}, false},
		{"negative metric", Message{FeatureKey: "a:b:c", Metrics: usage.Bundle{usage.RelationalWrites: -1}}, false},
		{"negative model usage", Message{FeatureKey: "a:b:c", ModelUsage: map[string]int64{"small-v2": -5}}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
