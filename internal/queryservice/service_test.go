package queryservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/budget"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/throttle"
	"github.com/opsdeck/feature-governor/internal/usage"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

type env struct {
	srv   *httptest.Server
	db    *warehouse.DB
	store *kvcs.Store
	brk   *breaker.Engine
	cost  *budget.CostEnforcer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	db, err := warehouse.OpenMemory()
	if err != nil {
		t.Fatalf("warehouse: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := kvcs.New(rdb)
	brk := breaker.NewEngine(store, db, time.Hour)
	resolver := budget.NewResolver(store, db)
	cost := budget.NewCostEnforcer(store, brk, resolver, 24*time.Hour, 100)
	thr := throttle.NewController(store, config.PID{
		Kp: 0.5, Setpoint: 1.0, IntegralMin: -10, IntegralMax: 10, Mode: throttle.ModeActive,
	}, 100)

	svc := New(config.Query{AERetentionDays: 30}, db, store, brk, thr, cost)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, db: db, store: store, brk: brk, cost: cost}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestUsageValidation(t *testing.T) {
	e := newEnv(t)
	testCases := []struct {
		name  string
		query string
		code  string
	}{
		{"missing project", "from=2026-08-01&to=2026-08-02", "missing_project"},
		{"bad from", "project=shop&from=nope&to=2026-08-02", "bad_from"},
		{"bad to", "project=shop&from=2026-08-01&to=08/02", "bad_to"},
		{"inverted range", "project=shop&from=2026-08-02&to=2026-08-01", "bad_range"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var env errEnvelope
			status := getJSON(t, e.srv.URL+"/v1/usage?"+tc.query, &env)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", status)
			}
			if env.Success || env.Code != tc.code {
				t.Fatalf("envelope = %+v, want code %s", env, tc.code)
			}
		})
	}
}

func TestUsageTwoTierMerge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	today := time.Now().UTC().Format("2006-01-02")

	// Old date covered by a rollup, today only by hourly snapshots.
	oldDate := time.Now().UTC().AddDate(0, 0, -5).Format("2006-01-02")
	err := e.db.UpsertDailyRollup(ctx, warehouse.DailyRollup{
		Date: oldDate, Project: "shop",
		Metrics: usage.Bundle{usage.RelationalWrites: 100}, CostUSD: 1,
	})
	if err != nil {
		t.Fatalf("seed rollup: %v", err)
	}
	for _, h := range []string{"T03", "T04"} {
		err := e.db.UpsertHourlySnapshot(ctx, warehouse.HourlySnapshot{
			TimeBucket: today + h, Project: "shop",
			Metrics:     usage.Bundle{usage.RelationalWrites: 25},
			CostUSD:     0.1,
			CollectedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("seed hour: %v", err)
		}
	}

	var resp usageResponse
	status := getJSON(t, e.srv.URL+"/v1/usage?project=shop&from="+oldDate+"&to="+today, &resp)
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}
	if resp.Source != "ae+d1" {
		t.Fatalf("source = %s, want ae+d1", resp.Source)
	}
	if len(resp.Days) != 2 {
		t.Fatalf("days = %d, want 2", len(resp.Days))
	}
	if resp.Days[0].Date != oldDate || resp.Days[0].Metrics.Get(usage.RelationalWrites) != 100 {
		t.Fatalf("rollup day = %+v", resp.Days[0])
	}
	if resp.Days[1].Date != today || resp.Days[1].Metrics.Get(usage.RelationalWrites) != 50 {
		t.Fatalf("live day = %+v", resp.Days[1])
	}

	// The live day is now cached; a second query hits the cache cell.
	if err := e.store.GetJSON(ctx, kvcs.DailyCacheKey("shop", today), &dayUsage{}); err != nil {
		t.Fatalf("day cache not populated: %v", err)
	}
}

func TestUsageEmptyRange(t *testing.T) {
	e := newEnv(t)
	var resp usageResponse
	status := getJSON(t, e.srv.URL+"/v1/usage?project=ghost&from=2026-08-01&to=2026-08-02", &resp)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if resp.Source != "none" || len(resp.Days) != 0 || resp.Note == "" {
		t.Fatalf("resp = %+v, want empty with note", resp)
	}
}

func TestFeatureStatusLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := feature.MustParse("shop:checkout:apply")

	var resp featureStatusResponse
	status := getJSON(t, e.srv.URL+"/v1/feature/status?key="+k.String(), &resp)
	if status != http.StatusOK || resp.Status != kvcs.StatusGo {
		t.Fatalf("fresh feature: status=%d resp=%+v", status, resp)
	}

	e.cost.Apply(ctx, k, 0.25)
	if err := e.brk.Trip(ctx, k, "over limit", "cost_usd", 2, 1); err != nil {
		t.Fatalf("trip: %v", err)
	}
	status = getJSON(t, e.srv.URL+"/v1/feature/status?key="+k.String(), &resp)
	if status != http.StatusOK || resp.Status != kvcs.StatusStop {
		t.Fatalf("tripped feature: status=%d resp=%+v", status, resp)
	}
	if resp.AccumulatedUSD != 0.25 {
		t.Fatalf("accumulated = %v, want 0.25", resp.AccumulatedUSD)
	}

	var env errEnvelope
	status = getJSON(t, e.srv.URL+"/v1/feature/status?key=not-a-key", &env)
	if status != http.StatusBadRequest || env.Code != "bad_feature_key" {
		t.Fatalf("bad key: status=%d env=%+v", status, env)
	}
}

func TestBreakerEventsEndpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := feature.MustParse("shop:checkout:apply")
	if err := e.brk.Trip(ctx, k, "over", "relational_writes", 160, 100); err != nil {
		t.Fatalf("trip: %v", err)
	}

	var resp struct {
		Success bool                     `json:"success"`
		Events  []warehouse.BreakerEvent `json:"events"`
	}
	status := getJSON(t, e.srv.URL+"/v1/breaker/events?feature_key="+k.String(), &resp)
	if status != http.StatusOK || !resp.Success || len(resp.Events) != 1 {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}

	var env errEnvelope
	status = getJSON(t, e.srv.URL+"/v1/breaker/events?limit=9999", &env)
	if status != http.StatusBadRequest || env.Code != "bad_limit" {
		t.Fatalf("bad limit: status=%d env=%+v", status, env)
	}
}

func TestAdminDisableEnableFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := feature.MustParse("shop:checkout:apply")

	var resp map[string]any
	status := postJSON(t, e.srv.URL+"/v1/admin/feature/disable",
		`{"feature_key":"shop:checkout:apply","user":"oncall","reason":"incident 4821"}`, &resp)
	if status != http.StatusOK || resp["status"] != kvcs.StatusStop {
		t.Fatalf("disable: status=%d resp=%+v", status, resp)
	}
	got, err := e.brk.Status(ctx, k)
	if err != nil || got != kvcs.StatusStop {
		t.Fatalf("store status = %q err=%v", got, err)
	}

	status = postJSON(t, e.srv.URL+"/v1/admin/feature/enable",
		`{"feature_key":"shop:checkout:apply","user":"oncall"}`, &resp)
	if status != http.StatusOK || resp["status"] != kvcs.StatusGo {
		t.Fatalf("enable: status=%d resp=%+v", status, resp)
	}
	got, err = e.brk.Status(ctx, k)
	if err != nil || got != kvcs.StatusGo {
		t.Fatalf("store status = %q err=%v", got, err)
	}
}

func TestAdminValidation(t *testing.T) {
	e := newEnv(t)
	testCases := []struct {
		name   string
		body   string
		code   string
		status int
	}{
		{"missing reason", `{"feature_key":"a:b:c","user":"oncall"}`, "missing_fields", 400},
		{"missing user", `{"feature_key":"a:b:c","reason":"x"}`, "missing_fields", 400},
		{"bad key", `{"feature_key":"nope","user":"oncall","reason":"x"}`, "bad_feature_key", 400},
		{"bad body", `{not json`, "bad_body", 400},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var env errEnvelope
			status := postJSON(t, e.srv.URL+"/v1/admin/feature/disable", tc.body, &env)
			if status != tc.status || env.Code != tc.code {
				t.Fatalf("status=%d env=%+v, want %d/%s", status, env, tc.status, tc.code)
			}
		})
	}

	// GET on an admin route is rejected.
	var env errEnvelope
	status := getJSON(t, e.srv.URL+"/v1/admin/feature/disable", &env)
	if status != http.StatusMethodNotAllowed || env.Code != "method_not_allowed" {
		t.Fatalf("get: status=%d env=%+v", status, env)
	}
}
