// Local dev harness: serves a fake telemetry-source API for the collector
// and pumps synthetic telemetry onto the queue for the consumer.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/queue"
	"github.com/opsdeck/feature-governor/internal/stubs"
)

func main() {
	var (
		cfgPath    string
		listenAddr string
		keysFlag   string
		errorRate  float64
		intervalMs int
	)
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&listenAddr, "listen", ":8090", "fake source listen address")
	flag.StringVar(&keysFlag, "keys",
		"shop:checkout:apply,shop:search:rank,blog:render:page", "feature keys, comma separated")
	flag.Float64Var(&errorRate, "error-rate", 0.05, "fraction of messages carrying an error")
	flag.IntVar(&intervalMs, "interval-ms", 200, "message interval")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	keys := strings.Split(keysFlag, ",")
	projects := make([]string, 0, len(keys))
	seen := map[string]bool{}
	for _, k := range keys {
		p := strings.SplitN(k, ":", 2)[0]
		if !seen[p] {
			seen[p] = true
			projects = append(projects, p)
		}
	}

	source := stubs.NewSourceStub(cfg.Collector.APIToken, projects, time.Now().UnixNano())
	go func() {
		log.Printf("fake telemetry source on %s", listenAddr)
		if err := http.ListenAndServe(listenAddr, source.Handler()); err != nil {
			log.Fatalf("source stub: %v", err)
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.Deadletter, cfg.Queue.MaxRetries)
	gen := stubs.NewGenerator(q, keys, errorRate, time.Now().UnixNano())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("generating telemetry for %d features every %dms", len(keys), intervalMs)
	if err := gen.Run(ctx, time.Duration(intervalMs)*time.Millisecond); err != nil && ctx.Err() == nil {
		log.Fatalf("generator: %v", err)
	}
}
