package queryservice

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/opsdeck/feature-governor/internal/feature"
	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
)

type featureStatusResponse struct {
	Success        bool    `json:"success"`
	FeatureKey     string  `json:"feature_key"`
	Status         string  `json:"status"` // GO | STOP
	ThrottleRate   float64 `json:"throttle_rate"`
	AccumulatedUSD float64 `json:"accumulated_cost_usd"`
	Note           string  `json:"note,omitempty"`
}

// handleFeatureStatus serves the live control-store view of one feature.
// A partial read (throttle or cost cell unreachable) still returns 200
// with a note rather than failing the whole status.
func (s *Service) handleFeatureStatus(w http.ResponseWriter, r *http.Request) {
	k, ok := s.featureParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	status, err := s.breaker.Status(ctx, k)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "kvcs_error", err.Error())
		return
	}
	resp := featureStatusResponse{Success: true, FeatureKey: k.String(), Status: status}
	if rate, err := s.throttle.Rate(ctx, k); err == nil {
		resp.ThrottleRate = rate
	} else {
		resp.Note = "throttle state unavailable"
	}
	if cost, err := s.cost.Accumulated(ctx, k); err == nil {
		resp.AccumulatedUSD = cost
	} else if resp.Note == "" {
		resp.Note = "accumulated cost unavailable"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleBreakerEvents(w http.ResponseWriter, r *http.Request) {
	featureKey := r.URL.Query().Get("feature_key")
	if featureKey != "" {
		if _, err := feature.Parse(featureKey); err != nil {
			writeErr(w, http.StatusBadRequest, "bad_feature_key", err.Error())
			return
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeErr(w, http.StatusBadRequest, "bad_limit", "limit must be in 1..500")
			return
		}
		limit = n
	}
	events, err := s.db.BreakerEvents(r.Context(), featureKey, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "warehouse_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

type adminRequest struct {
	FeatureKey string `json:"feature_key"`
	User       string `json:"user"`
	Reason     string `json:"reason"`
}

// handleDisable is the manual STOP: no auto-reset, only a manual enable
// recovers the feature.
func (s *Service) handleDisable(w http.ResponseWriter, r *http.Request) {
	req, ok := s.adminParams(w, r, true)
	if !ok {
		return
	}
	k, err := feature.Parse(req.FeatureKey)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_feature_key", err.Error())
		return
	}
	if err := s.breaker.ManualDisable(r.Context(), k, req.User, req.Reason); err != nil {
		writeErr(w, http.StatusInternalServerError, "breaker_error", err.Error())
		return
	}
	observ.IncCounter("admin_disables_total", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "feature_key": k.String(), "status": kvcs.StatusStop,
	})
}

func (s *Service) handleEnable(w http.ResponseWriter, r *http.Request) {
	req, ok := s.adminParams(w, r, false)
	if !ok {
		return
	}
	k, err := feature.Parse(req.FeatureKey)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_feature_key", err.Error())
		return
	}
	if err := s.breaker.ManualEnable(r.Context(), k, req.User); err != nil {
		writeErr(w, http.StatusInternalServerError, "breaker_error", err.Error())
		return
	}
	observ.IncCounter("admin_enables_total", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "feature_key": k.String(), "status": kvcs.StatusGo,
	})
}

func (s *Service) featureParam(w http.ResponseWriter, r *http.Request) (feature.Key, bool) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		writeErr(w, http.StatusBadRequest, "missing_key", "key query parameter is required")
		return feature.Key{}, false
	}
	k, err := feature.Parse(raw)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_feature_key", err.Error())
		return feature.Key{}, false
	}
	return k, true
}

func (s *Service) adminParams(w http.ResponseWriter, r *http.Request, needReason bool) (adminRequest, bool) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return adminRequest{}, false
	}
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_body", err.Error())
		return adminRequest{}, false
	}
	if req.FeatureKey == "" || req.User == "" {
		writeErr(w, http.StatusBadRequest, "missing_fields", "feature_key and user are required")
		return adminRequest{}, false
	}
	if needReason && req.Reason == "" {
		writeErr(w, http.StatusBadRequest, "missing_fields", "reason is required")
		return adminRequest{}, false
	}
	return req, true
}
