package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/opsdeck/feature-governor/internal/alerts"
	"github.com/opsdeck/feature-governor/internal/anomaly"
	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/collector"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/rollup"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

// Set via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.Parse()
	observ.SetVersion(version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("COLLECTOR_API_TOKEN"); v != "" {
		cfg.Collector.APIToken = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
	store := kvcs.New(rdb)

	db, err := warehouse.Open(cfg.Warehouse.Path)
	if err != nil {
		log.Fatalf("open warehouse: %v", err)
	}
	defer db.Close()

	brk := breaker.NewEngine(store, db, time.Duration(cfg.Budget.AutoResetSeconds)*time.Second)
	alerter := alerts.New(cfg.Alerts, db)
	brk.SetNotifier(alerter)
	rollups := rollup.NewEngine(db, store)
	detector := anomaly.NewDetector(db, alerter, anomaly.DefaultDeviationFactor)
	source := collector.NewSource(cfg.Collector.BaseURL, cfg.Collector.APIToken, cfg.Collector.AccountID,
		time.Duration(cfg.Collector.TimeoutMs)*time.Millisecond,
		cfg.Collector.MaxRetries,
		time.Duration(cfg.Collector.BackoffBaseMs)*time.Millisecond)
	coll := collector.New(cfg.Collector, store, db, source, rollups, detector, brk, alerter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	// Hourly collection at :00; the sampling mode inside decides whether
	// the cycle actually runs.
	c.AddFunc("0 * * * *", func() {
		if err := coll.Run(ctx, time.Now()); err != nil {
			observ.Log("collection_cycle_failed", map[string]any{"error": err.Error()})
		}
	})
	// Breaker auto-reset sweep every 5 minutes so an expired STOP does not
	// wait for the next hour.
	c.AddFunc("*/5 * * * *", func() {
		if n, err := brk.SweepAutoResets(ctx, time.Now()); err != nil {
			observ.Log("breaker_sweep_failed", map[string]any{"error": err.Error()})
		} else if n > 0 {
			observ.Log("breaker_sweep_done", map[string]any{"reset": n})
		}
	})
	// P1 digest five past the hour, after the collection cycle.
	c.AddFunc("5 * * * *", func() {
		if err := alerter.HourlyDigest(ctx, time.Now()); err != nil {
			observ.Log("hourly_digest_failed", map[string]any{"error": err.Error()})
		}
	})
	c.Start()
	defer c.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	observ.Log("scheduler_started", map[string]any{
		"d1_write_limit": cfg.Collector.D1WriteLimit, "gap_fill_days": cfg.Collector.GapFillDays,
	})
	<-ctx.Done()
	observ.Log("scheduler_stopped", nil)
}
