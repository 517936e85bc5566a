// Package queryservice is the thin dashboard read surface: usage range
// queries with a multi-tier read path (live hourly tier within retention,
// daily rollups beyond it), live feature status from the control store,
// breaker event history, and the manual admin operations.
package queryservice

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opsdeck/feature-governor/internal/breaker"
	"github.com/opsdeck/feature-governor/internal/budget"
	"github.com/opsdeck/feature-governor/internal/config"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/throttle"
	"github.com/opsdeck/feature-governor/internal/warehouse"
)

type Service struct {
	cfg      config.Query
	db       *warehouse.DB
	store    *kvcs.Store
	breaker  *breaker.Engine
	throttle *throttle.Controller
	cost     *budget.CostEnforcer
}

func New(cfg config.Query, db *warehouse.DB, store *kvcs.Store, brk *breaker.Engine,
	thr *throttle.Controller, cost *budget.CostEnforcer) *Service {
	return &Service{cfg: cfg, db: db, store: store, breaker: brk, throttle: thr, cost: cost}
}

// Handler mounts the service routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/usage", s.handleUsage)
	mux.HandleFunc("/v1/feature/status", s.handleFeatureStatus)
	mux.HandleFunc("/v1/breaker/events", s.handleBreakerEvents)
	mux.HandleFunc("/v1/admin/feature/disable", s.handleDisable)
	mux.HandleFunc("/v1/admin/feature/enable", s.handleEnable)
	return mux
}

// errEnvelope is the uniform failure shape: 4xx for input problems, 5xx
// for backend ones.
type errEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	observ.IncCounter("query_errors_total", map[string]string{"code": code})
	writeJSON(w, status, errEnvelope{
		Success: false,
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

func parseDate(s string) (time.Time, bool) {
	t, err := time.Parse("2006-01-02", s)
	return t, err == nil
}
