// Package stubs is the local dev harness: a fake external telemetry API
// for the collector to pull from, and a synthetic message generator that
// keeps the queue busy. Nothing here runs in production.
package stubs

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/feature-governor/internal/collector"
	"github.com/opsdeck/feature-governor/internal/usage"
)

// SourceStub serves the two endpoints the collector hits, with cumulative
// counters that drift upward on every pull so hourly deltas look real.
type SourceStub struct {
	mu       sync.Mutex
	token    string
	projects []string
	totals   map[string]usage.Bundle
	rng      *rand.Rand
}

func NewSourceStub(token string, projects []string, seed int64) *SourceStub {
	totals := make(map[string]usage.Bundle, len(projects))
	for _, p := range projects {
		totals[p] = usage.Bundle{}
	}
	return &SourceStub{
		token:    token,
		projects: projects,
		totals:   totals,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (s *SourceStub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/accounts/", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/tokens/verify"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/usage/cumulative"):
			s.serveCumulative(w)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return mux
}

func (s *SourceStub) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

func (s *SourceStub) serveCumulative(w http.ResponseWriter) {
	s.mu.Lock()
	s.advance()
	out := collector.Cumulative{
		Account:     collector.ProjectUsage{Project: "account"},
		CollectedMs: time.Now().UnixMilli(),
	}
	account := usage.Bundle{}
	for _, p := range s.projects {
		b := s.totals[p]
		account = account.Add(b)
		out.Projects = append(out.Projects, collector.ProjectUsage{
			Project:      p,
			Metrics:      b,
			StorageBytes: b.Get(usage.RelationalWrites) * 256,
		})
	}
	out.Account.Metrics = account
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// advance drifts every project's counters so consecutive pulls produce
// plausible positive deltas.
func (s *SourceStub) advance() {
	for _, p := range s.projects {
		b := s.totals[p]
		next := usage.Bundle{}
		for _, r := range usage.All {
			next[r] = b.Get(r) + int64(s.rng.Intn(500))
		}
		s.totals[p] = next
	}
}
