package queryservice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/opsdeck/feature-governor/internal/kvcs"
	"github.com/opsdeck/feature-governor/internal/observ"
	"github.com/opsdeck/feature-governor/internal/usage"
)

// dayUsage is one date's aggregate in a usage response.
type dayUsage struct {
	Date         string       `json:"date"`
	Metrics      usage.Bundle `json:"metrics"`
	StorageBytes int64        `json:"storage_bytes"`
	CostUSD      float64      `json:"cost_usd"`
}

type usageResponse struct {
	Success bool       `json:"success"`
	Project string     `json:"project"`
	From    string     `json:"from"`
	To      string     `json:"to"`
	Source  string     `json:"source"` // ae | d1 | ae+d1 | none
	Days    []dayUsage `json:"days"`
	Note    string     `json:"note,omitempty"`
}

// handleUsage serves the range query. Dates inside the live-tier retention
// are aggregated from hourly snapshots (ae); older dates come from daily
// rollups (d1), cached per (project, date) in the control store. The two
// tiers are concatenated with dedup by date.
func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if project == "" {
		writeErr(w, http.StatusBadRequest, "missing_project", "project query parameter is required")
		return
	}
	from, ok := parseDate(fromStr)
	if !ok {
		writeErr(w, http.StatusBadRequest, "bad_from", "from must be YYYY-MM-DD")
		return
	}
	to, ok := parseDate(toStr)
	if !ok {
		writeErr(w, http.StatusBadRequest, "bad_to", "to must be YYYY-MM-DD")
		return
	}
	if to.Before(from) {
		writeErr(w, http.StatusBadRequest, "bad_range", "to precedes from")
		return
	}

	ctx := r.Context()
	aeCutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.AERetentionDays)

	byDate := map[string]dayUsage{}
	usedAE, usedD1 := false, false

	// Rollup tier first: canonical data wins the dedup.
	rollups, err := s.db.DailyRollups(ctx, project, fromStr, toStr)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "warehouse_error", err.Error())
		return
	}
	for _, ru := range rollups {
		byDate[ru.Date] = dayUsage{
			Date: ru.Date, Metrics: ru.Metrics,
			StorageBytes: ru.StorageBytes, CostUSD: ru.CostUSD,
		}
		usedD1 = true
	}

	// Live tier fills dates the rollup has not covered yet.
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		if _, ok := byDate[date]; ok {
			continue
		}
		if d.Before(aeCutoff) {
			continue
		}
		day, found, err := s.liveDay(ctx, project, date)
		if err != nil {
			observ.Log("query_live_tier_error", map[string]any{
				"project": project, "date": date, "error": err.Error(),
			})
			continue
		}
		if found {
			byDate[date] = day
			usedAE = true
		}
	}

	resp := usageResponse{
		Success: true,
		Project: project,
		From:    fromStr,
		To:      toStr,
		Source:  sourceLabel(usedAE, usedD1),
	}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if day, ok := byDate[d.Format("2006-01-02")]; ok {
			resp.Days = append(resp.Days, day)
		}
	}
	if len(resp.Days) == 0 {
		resp.Note = "no usage recorded for this range"
	}
	writeJSON(w, http.StatusOK, resp)
}

// liveDay aggregates one date from hourly snapshots, consulting the daily
// cache cell first so repeated dashboard loads skip the scan.
func (s *Service) liveDay(ctx context.Context, project, date string) (dayUsage, bool, error) {
	cacheKey := kvcs.DailyCacheKey(project, date)
	var cached dayUsage
	if err := s.store.GetJSON(ctx, cacheKey, &cached); err == nil {
		return cached, true, nil
	} else if !errors.Is(err, kvcs.ErrNotFound) {
		observ.Log("query_cache_read_error", map[string]any{"key": cacheKey, "error": err.Error()})
	}

	hours, err := s.db.HourlySnapshots(ctx, project, date+"T00", date+"T23")
	if err != nil {
		return dayUsage{}, false, err
	}
	if len(hours) == 0 {
		return dayUsage{}, false, nil
	}
	day := dayUsage{Date: date, Metrics: usage.Bundle{}}
	for _, h := range hours {
		day.Metrics = day.Metrics.Add(h.Metrics)
		if h.StorageBytes > day.StorageBytes {
			day.StorageBytes = h.StorageBytes
		}
		day.CostUSD += h.CostUSD
	}
	if err := s.store.PutJSON(ctx, cacheKey, day, time.Hour); err != nil {
		observ.Log("query_cache_write_error", map[string]any{"key": cacheKey, "error": err.Error()})
	}
	return day, true, nil
}

func sourceLabel(ae, d1 bool) string {
	switch {
	case ae && d1:
		return "ae+d1"
	case ae:
		return "ae"
	case d1:
		return "d1"
	default:
		return "none"
	}
}
