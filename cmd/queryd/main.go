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

	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/budget"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/queryservice"
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
	cost := budget.NewCostEnforcer(store, brk, resolver,
		time.Duration(cfg.Budget.CostWindowHours)*time.Hour, cfg.Budget.DefaultDailyUSD)
	thr := throttle.NewController(store, cfg.PID, cfg.Budget.DefaultBCUBudget)

	svc := queryservice.New(cfg.Query, db, store, brk, thr, cost)
	mux := http.NewServeMux()
	mux.Handle("/", svc.Handler())
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler())

	srv := &http.Server{Addr: cfg.Query.ListenAddr, Handler: mux}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		observ.Log("queryd_started", map[string]any{"addr": cfg.Query.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("query server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	observ.Log("queryd_stopped", nil)
}
