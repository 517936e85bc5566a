package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opsdeck/feature-governor/internal/alerts"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/usage"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

type alertSink struct {
	mu       sync.Mutex
	payloads []alerts.Payload
}

func (s *alertSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func testDetector(t *testing.T) (*Detector, *warehouse.DB, *alertSink) {
	t.Helper()
	sink := &alertSink{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p alerts.Payload
		_ = json.Unmarshal(body, &p)
		sink.mu.Lock()
		sink.payloads = append(sink.payloads, p)
		sink.mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	db, err := warehouse.OpenMemory()
	if err != nil {
		t.Fatalf("warehouse: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	alerter := alerts.New(config.Alerts{
		WebhookURL: srv.URL, PerMinute: 10, DedupeWindowMinutes: 15, TimeoutMs: 2000,
	}, db)
	return NewDetector(db, alerter, DefaultDeviationFactor), db, sink
}

// seedHistory writes `days` prior daily rollups with slightly varying write
// counts so the rolling stddev is small but nonzero.
func seedHistory(t *testing.T, db *warehouse.DB, project string, days int, base int64) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= days; i++ {
		date := fmt.Sprintf("2026-08-%02d", 10+i)
		err := db.UpsertDailyRollup(ctx, warehouse.DailyRollup{
			Date:    date,
			Project: project,
			Metrics: usage.Bundle{usage.RelationalWrites: base + int64(i%3)*10},
		})
		if err != nil {
			t.Fatalf("seed %s: %v", date, err)
		}
	}
}

func seedDay(t *testing.T, db *warehouse.DB, date, project string, writes int64) {
	t.Helper()
	err := db.UpsertHourlySnapshot(context.Background(), warehouse.HourlySnapshot{
		TimeBucket:  date + "T03",
		Project:     project,
		Metrics:     usage.Bundle{usage.RelationalWrites: writes},
		CollectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed day: %v", err)
	}
}

// A week near 1000 writes/day followed by a 1,000,000 day must produce one
// anomaly with a deviation factor well past the threshold, and one alert.
func TestSpikeDetected(t *testing.T) {
	d, db, sink := testDetector(t)
	ctx := context.Background()

	seedHistory(t, db, "shop", 7, 1000)
	seedDay(t, db, "2026-08-18", "shop", 1_000_000)

	found, err := d.Run(ctx, "2026-08-18")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if found != 1 {
		t.Fatalf("anomalies = %d, want 1", found)
	}
	has, err := db.HasUnresolvedAnomaly(ctx, string(usage.RelationalWrites), "shop")
	if err != nil || !has {
		t.Fatalf("anomaly row: has=%v err=%v", has, err)
	}
	if sink.count() != 1 {
		t.Fatalf("alerts = %d, want 1", sink.count())
	}
}

// A second detection for the same (metric, project) while the first is
// unresolved records a row but does not alert again.
func TestUnresolvedAnomalySuppressesRepeatAlert(t *testing.T) {
	d, db, sink := testDetector(t)
	ctx := context.Background()

	seedHistory(t, db, "shop", 7, 1000)
	seedDay(t, db, "2026-08-18", "shop", 1_000_000)

	if _, err := d.Run(ctx, "2026-08-18"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	seedDay(t, db, "2026-08-19", "shop", 1_100_000)
	found, err := d.Run(ctx, "2026-08-19")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if found != 1 {
		t.Fatalf("second run anomalies = %d, want 1", found)
	}
	if sink.count() != 1 {
		t.Fatalf("alerts = %d after repeat, want 1 (deduped)", sink.count())
	}
}

func TestNormalDayIsQuiet(t *testing.T) {
	d, db, sink := testDetector(t)
	ctx := context.Background()

	seedHistory(t, db, "shop", 7, 1000)
	seedDay(t, db, "2026-08-18", "shop", 1005)

	found, err := d.Run(ctx, "2026-08-18")
	if err != nil || found != 0 {
		t.Fatalf("found = %d err=%v, want 0", found, err)
	}
	if sink.count() != 0 {
		t.Fatalf("alerts = %d on a normal day", sink.count())
	}
}

// Fewer than three prior samples cannot establish a baseline.
func TestTooLittleHistoryIsQuiet(t *testing.T) {
	d, db, _ := testDetector(t)
	ctx := context.Background()

	seedHistory(t, db, "shop", 2, 1000)
	seedDay(t, db, "2026-08-18", "shop", 1_000_000)

	found, err := d.Run(ctx, "2026-08-18")
	if err != nil || found != 0 {
		t.Fatalf("found = %d err=%v, want 0 with 2 samples", found, err)
	}
}

// A flat history has zero stddev; any change would divide by zero, so the
// detector stays quiet rather than flagging everything.
func TestZeroStddevIsQuiet(t *testing.T) {
	d, db, _ := testDetector(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		date := fmt.Sprintf("2026-08-%02d", 10+i)
		err := db.UpsertDailyRollup(ctx, warehouse.DailyRollup{
			Date: date, Project: "shop",
			Metrics: usage.Bundle{usage.RelationalWrites: 1000},
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seedDay(t, db, "2026-08-18", "shop", 5000)

	found, err := d.Run(ctx, "2026-08-18")
	if err != nil || found != 0 {
		t.Fatalf("found = %d err=%v, want 0 with flat history", found, err)
	}
}
