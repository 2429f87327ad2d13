package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/saritra/pipeweave/orchestrator/stats"
	"github.com/saritra/pipeweave/orchestrator/store"
)

// handleStats serves the bucketed time series:
// GET /stats?scope=task&scope_id=A&from=...&to=...&bucket=1h
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	req := stats.Request{
		Scope:   store.StatScope(q.Get("scope")),
		ScopeID: q.Get("scope_id"),
		Bucket:  store.BucketSize(q.Get("bucket")),
	}
	now := time.Now()
	req.From = now.Add(-24 * time.Hour)
	req.To = now
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		req.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		req.To = t
	}

	resp, err := a.aggregator.Query(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

const queueStatsCacheKey = "stats:queue"

// handleQueueStats serves the realtime queue view, cached briefly in Redis so
// dashboard polling doesn't hammer the repository.
func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.statsCache != nil {
		if cached, err := a.statsCache.Get(r.Context(), queueStatsCacheKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(cached))
			return
		}
	}

	snapshot, err := a.aggregator.Realtime(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}

	if a.statsCache != nil {
		if data, err := json.Marshal(snapshot); err == nil {
			_ = a.statsCache.Set(r.Context(), queueStatsCacheKey, string(data), a.statsCacheTTL)
		}
	}
	writeJSON(w, http.StatusOK, snapshot)
}
