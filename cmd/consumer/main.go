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

	"github.com/opsdeck/feature-governor/internal/alerts"
	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/budget"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/consumer"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/queue"
	"github.com/opsdeck/feature-governor/internal/throttle"
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
	resolver := budget.NewResolver(store, db)
	enforcer := budget.NewEnforcer(store, brk, resolver, cfg.Budget.HardLimitMultiplier)
	cost := budget.NewCostEnforcer(store, brk, resolver,
		time.Duration(cfg.Budget.CostWindowHours)*time.Hour, cfg.Budget.DefaultDailyUSD)
	degrade := throttle.NewController(store, cfg.PID, cfg.Budget.DefaultBCUBudget)
	alerter := alerts.New(cfg.Alerts, db)
	brk.SetNotifier(alerter)
	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.Deadletter, cfg.Queue.MaxRetries)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observ.Log("consumer_started", map[string]any{
		"queue": cfg.Queue.Name, "batch_size": cfg.Queue.BatchSize, "pid_mode": cfg.PID.Mode,
	})
	c := consumer.New(q, db, enforcer, cost, degrade, alerter, cfg)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("consumer: %v", err)
	}
	observ.Log("consumer_stopped", nil)
}
