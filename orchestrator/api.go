package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/saritra/pipeweave/orchestrator/idempotency"
	"github.com/saritra/pipeweave/orchestrator/objectstore"
	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/registry"
	"github.com/saritra/pipeweave/orchestrator/stats"
	"github.com/saritra/pipeweave/orchestrator/store"
)

// idempotencyHeader carries the client's request idempotency key.
const idempotencyHeader = "X-PipeWeave-Idempotency-Key"

// API bundles the HTTP surface of the orchestrator.
type API struct {
	store       store.Store
	blobs       objectstore.Store
	registry    *registry.Registry
	executor    *Executor
	retrier     *Retrier
	poller      *Poller
	maintenance *MaintenanceController
	aggregator  *stats.Aggregator
	hub         *EventsHub
	idempotency *idempotency.Store
	breaker     *CircuitBreaker
	maxConc     int

	dlqRetention  time.Duration
	uploadTTL     time.Duration
	statsCache    *store.RedisCache // nil without Redis
	statsCacheTTL time.Duration

	// Storm protection
	heartbeatLimiter *rate.Limiter
	triggerLimiter   *rate.Limiter
}

// NewAPI wires the HTTP layer.
func NewAPI(s store.Store, blobs objectstore.Store, reg *registry.Registry, executor *Executor,
	retrier *Retrier, poller *Poller, maintenance *MaintenanceController, aggregator *stats.Aggregator,
	hub *EventsHub, idem *idempotency.Store, cache *store.RedisCache, maxConcurrency int) *API {
	return &API{
		store:       s,
		blobs:       blobs,
		registry:    reg,
		executor:    executor,
		retrier:     retrier,
		poller:      poller,
		maintenance: maintenance,
		aggregator:  aggregator,
		hub:         hub,
		idempotency: idem,
		breaker:     NewCircuitBreaker(1000),
		maxConc:     maxConcurrency,

		dlqRetention:  14 * 24 * time.Hour,
		uploadTTL:     24 * time.Hour,
		statsCache:    cache,
		statsCacheTTL: 5 * time.Second,

		// Allow 100 heartbeats/sec, burst 200
		heartbeatLimiter: rate.NewLimiter(rate.Limit(100), 200),
		// Allow 20 triggers/sec, burst 40
		triggerLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Routes registers every handler on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/services/register", a.handleRegister)
	mux.HandleFunc("/tasks/", a.handleTask) // GET /tasks/{id}, GET /tasks/{id}/history
	mux.HandleFunc("/tasks/queue", a.withIdempotency(a.handleQueueTask))
	mux.HandleFunc("/pipelines/trigger", a.withIdempotency(a.handleTrigger))
	mux.HandleFunc("/pipelines/", a.handlePipeline)        // PUT /pipelines/{id}, POST /pipelines/{id}/dry-run
	mux.HandleFunc("/runs/", a.handleRun)                  // GET /runs/{id}, POST /runs/{id}/heartbeat|complete
	mux.HandleFunc("/pipeline-runs/", a.handlePipelineRun) // GET /pipeline-runs/{id}, POST .../cancel
	mux.HandleFunc("/dlq", a.handleDLQList)
	mux.HandleFunc("/dlq/", a.withIdempotency(a.handleDLQItem)) // POST /dlq/{id}/retry
	mux.HandleFunc("/dlq/purge", a.handleDLQPurge)
	mux.HandleFunc("/uploads", a.handleUpload)
	mux.HandleFunc("/admin/maintenance", a.handleMaintenance)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/stats/queue", a.handleQueueStats)
	mux.HandleFunc("/api/events/stream", a.hub.ServeWS)
	mux.HandleFunc("/scheduler/debug/snapshot", a.handleDebugSnapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps core errors onto transport status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	case errors.Is(err, ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error(), Code: "ORCHESTRATOR_UNAVAILABLE"})
	case errors.Is(err, ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: err.Error(), Code: store.ErrCodeInvalidInput})
	case errors.Is(err, ErrInvalidNextTasks):
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Code: store.ErrCodeInvalidNextTasks})
	case errors.Is(err, registry.ErrTaskClaimed):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	default:
		log.Printf("API error: %v", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
	}
}

// writeRateLimitError writes a 429 response with jittered Retry-After.
func writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

// Wrapper for capturing responses for idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" || r.Method != http.MethodPost {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// -- Registration --

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ServiceID string              `json:"service_id"`
		Version   string              `json:"version"`
		BaseURL   string              `json:"base_url"`
		Tasks     []registry.TaskSpec `json:"tasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ServiceID == "" || req.BaseURL == "" {
		http.Error(w, "service_id and base_url are required", http.StatusBadRequest)
		return
	}
	result, err := a.registry.Register(r.Context(), req.ServiceID, req.Version, req.BaseURL, req.Tasks)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id, ok := strings.CutSuffix(rest, "/history"); ok {
		history, err := a.store.ListTaskCodeHistory(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
		return
	}
	task, err := a.registry.GetTask(r.Context(), rest)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// -- Pipelines --

func (a *API) handlePipeline(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/pipelines/")

	if id, ok := strings.CutSuffix(rest, "/dry-run"); ok && r.Method == http.MethodPost {
		var req struct {
			Input any `json:"input"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		result, err := a.executor.DryRun(r.Context(), id, req.Input)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var p store.Pipeline
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		p.ID = rest
		if p.ID == "" || len(p.EntryTaskIDs) == 0 {
			http.Error(w, "pipeline id and entry_task_ids are required", http.StatusBadRequest)
			return
		}
		if err := a.store.UpsertPipeline(r.Context(), &p); err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodGet:
		p, err := a.store.GetPipeline(r.Context(), rest)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.triggerLimiter.Allow() {
		writeRateLimitError(w, "trigger")
		return
	}
	if !a.admitBackpressure(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "backlog saturated", Code: "ORCHESTRATOR_UNAVAILABLE"})
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PipelineID == "" {
		http.Error(w, "pipeline_id is required", http.StatusBadRequest)
		return
	}
	result, err := a.executor.TriggerPipeline(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// admitBackpressure consults the circuit breaker with the live backlog.
func (a *API) admitBackpressure(ctx context.Context) bool {
	counts, err := a.store.CountQueue(ctx)
	if err != nil {
		return true // fail open: admission gate, not correctness
	}
	saturation := 0.0
	if a.maxConc > 0 {
		saturation = float64(counts.Running) / float64(a.maxConc)
	}
	if !a.breaker.ShouldAdmit(counts.Pending, saturation) {
		observability.AdmissionRejections.WithLabelValues("circuit_open").Inc()
		return false
	}
	return true
}

func (a *API) handleQueueTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req QueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}
	run, err := a.executor.QueueTask(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// -- Runs --

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")

	if id, ok := strings.CutSuffix(rest, "/heartbeat"); ok && r.Method == http.MethodPost {
		a.handleHeartbeat(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/complete"); ok && r.Method == http.MethodPost {
		a.handleComplete(w, r, id)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, err := a.store.GetTaskRun(r.Context(), rest)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request, runID string) {
	if !a.heartbeatLimiter.Allow() {
		writeRateLimitError(w, "heartbeat")
		return
	}
	var req struct {
		Progress map[string]any `json:"progress,omitempty"`
		Message  string         `json:"message,omitempty"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Message != "" {
		if req.Progress == nil {
			req.Progress = map[string]any{}
		}
		req.Progress["message"] = req.Message
	}
	resp, err := Heartbeat(r.Context(), a.store, runID, req.Progress)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request, runID string) {
	var payload CompletionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.executor.HandleCompletion(r.Context(), runID, payload); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (a *API) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/pipeline-runs/")

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok && r.Method == http.MethodPost {
		if err := a.executor.CancelPipelineRun(r.Context(), id); err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	prun, err := a.store.GetPipelineRun(r.Context(), rest)
	if err != nil {
		a.writeError(w, err)
		return
	}
	runs, err := a.store.ListTaskRunsForPipelineRun(r.Context(), rest)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipeline_run": prun, "task_runs": runs})
}

// -- DLQ --

func (a *API) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := store.DLQFilter{
		TaskID:        q.Get("task_id"),
		PipelineID:    q.Get("pipeline_id"),
		PipelineRunID: q.Get("pipeline_run_id"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}
	items, err := a.retrier.List(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) handleDLQItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/dlq/")
	if id, ok := strings.CutSuffix(rest, "/retry"); ok && r.Method == http.MethodPost {
		run, err := a.retrier.Replay(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
		return
	}
	if r.Method == http.MethodGet {
		item, err := a.store.GetDLQItem(r.Context(), rest)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

func (a *API) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	retention := a.dlqRetention
	if v := r.URL.Query().Get("older_than"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			retention = d
		}
	}
	n, err := a.retrier.Purge(r.Context(), retention)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// -- Temp uploads --

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "upload.bin"
	}
	mimeType := r.Header.Get("Content-Type")

	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	id := store.NewID(store.TempUploadPrefix)
	path := objectstore.TempUploadPath(id, filename)
	if err := a.blobs.Put(r.Context(), path, data); err != nil {
		a.writeError(w, err)
		return
	}
	now := time.Now()
	upload := &store.TempUpload{
		ID:               id,
		StoragePath:      path,
		StorageBackendID: defaultBackendID,
		OriginalFilename: filename,
		MimeType:         mimeType,
		Size:             int64(len(data)),
		UploadedAt:       now,
		ExpiresAt:        now.Add(a.uploadTTL),
	}
	if err := a.store.CreateTempUpload(r.Context(), upload); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

// -- Maintenance --

func (a *API) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state, err := a.maintenance.State(r.Context())
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	case http.MethodPost:
		var req struct {
			Action string `json:"action"` // request | exit
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		var err error
		switch req.Action {
		case "request":
			err = a.maintenance.RequestMaintenance(r.Context())
		case "exit":
			err = a.maintenance.ExitMaintenance(r.Context())
		default:
			http.Error(w, "Invalid action. Use: request, exit", http.StatusBadRequest)
			return
		}
		if err != nil {
			a.writeError(w, err)
			return
		}
		state, err := a.maintenance.State(r.Context())
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// -- Debug --

func (a *API) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := a.poller.Snapshot()
	snapshot["circuit_breaker"] = a.breaker.GetState().String()
	if state, err := a.maintenance.State(r.Context()); err == nil {
		snapshot["mode"] = state.Mode
	}
	writeJSON(w, http.StatusOK, snapshot)
}
