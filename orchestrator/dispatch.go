package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/saritra/pipeweave/orchestrator/objectstore"
	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/store"
	"github.com/saritra/pipeweave/orchestrator/token"
)

const (
	dispatchTimeout  = 5 * time.Second
	defaultBackendID = "default"
)

// UpstreamRef is what a downstream worker gets about each completed
// predecessor.
type UpstreamRef struct {
	OutputPath string                    `json:"output_path"`
	Assets     map[string]store.AssetRef `json:"assets,omitempty"`
}

// PreviousAttempt summarizes one earlier failed attempt for the worker.
type PreviousAttempt struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DispatchPayload is the orchestrator -> worker POST body.
type DispatchPayload struct {
	RunID               string                 `json:"run_id"`
	TaskID              string                 `json:"task_id"`
	PipelineRunID       string                 `json:"pipeline_run_id,omitempty"`
	Attempt             int                    `json:"attempt"`
	CodeVersion         int                    `json:"code_version"`
	CodeHash            string                 `json:"code_hash"`
	StorageToken        string                 `json:"storage_token"`
	InputPath           string                 `json:"input_path"`
	UpstreamRefs        map[string]UpstreamRef `json:"upstream_refs,omitempty"`
	PreviousAttempts    []PreviousAttempt      `json:"previous_attempts,omitempty"`
	HeartbeatIntervalMs int64                  `json:"heartbeat_interval_ms"`
}

// Dispatcher sends claimed runs to their owning workers.
type Dispatcher struct {
	store    store.Store
	blobs    objectstore.Store
	minter   *token.Minter
	executor *Executor
	client   *http.Client
	// Per-service token buckets keep one slow worker from absorbing the
	// whole dispatch budget.
	serviceLimiters map[string]*rate.Limiter
	limiterRate     rate.Limit
	limiterBurst    int
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s store.Store, blobs objectstore.Store, minter *token.Minter, executor *Executor) *Dispatcher {
	return &Dispatcher{
		store:           s,
		blobs:           blobs,
		minter:          minter,
		executor:        executor,
		client:          &http.Client{Timeout: dispatchTimeout},
		serviceLimiters: make(map[string]*rate.Limiter),
		limiterRate:     rate.Limit(50),
		limiterBurst:    100,
	}
}

// Dispatch sends one pending run to its worker.
// HTTP 2xx means the worker accepted the run (async execution; completion is
// reported later via the callback endpoint). Anything else is a failed
// attempt with errorCode DISPATCH_FAILED and feeds the retry/DLQ path.
func (d *Dispatcher) Dispatch(ctx context.Context, run *store.TaskRun) {
	task, err := d.store.GetTask(ctx, run.TaskID)
	if err != nil {
		d.failDispatch(ctx, run, fmt.Sprintf("task definition missing: %v", err))
		return
	}
	svc, err := d.store.GetService(ctx, task.ServiceID)
	if err != nil {
		d.failDispatch(ctx, run, fmt.Sprintf("owning service missing: %v", err))
		return
	}

	payload := DispatchPayload{
		RunID:               run.ID,
		TaskID:              run.TaskID,
		PipelineRunID:       run.PipelineRunID,
		Attempt:             run.Attempt,
		CodeVersion:         run.CodeVersion,
		CodeHash:            run.CodeHash,
		StorageToken:        d.minter.Mint(run.ID, defaultBackendID, time.Now()),
		InputPath:           run.InputPath,
		HeartbeatIntervalMs: task.HeartbeatIntervalMs,
	}

	if run.PipelineRunID != "" {
		refs, err := d.upstreamRefs(ctx, run)
		if err != nil {
			d.failDispatch(ctx, run, fmt.Sprintf("load upstream refs: %v", err))
			return
		}
		payload.UpstreamRefs = refs
	}

	if run.Attempt > 1 {
		prior, err := d.store.ListPriorAttempts(ctx, run.TaskID, run.PipelineRunID, run.IdempotencyKey, run.Attempt)
		if err != nil {
			log.Printf("Dispatch %s: prior attempts unavailable: %v", run.ID, err)
		}
		for _, p := range prior {
			ts := p.CreatedAt
			if p.CompletedAt != nil {
				ts = *p.CompletedAt
			}
			payload.PreviousAttempts = append(payload.PreviousAttempts, PreviousAttempt{
				Attempt:   p.Attempt,
				Error:     p.Error,
				ErrorCode: p.ErrorCode,
				Timestamp: ts,
			})
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		d.failDispatch(ctx, run, fmt.Sprintf("marshal payload: %v", err))
		return
	}

	url := strings.TrimRight(svc.BaseURL, "/") + "/tasks/" + run.TaskID
	reqCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		d.failDispatch(ctx, run, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		observability.Dispatches.WithLabelValues("network_error").Inc()
		d.failDispatch(ctx, run, fmt.Sprintf("contact worker: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.Dispatches.WithLabelValues("rejected").Inc()
		d.failDispatch(ctx, run, fmt.Sprintf("worker returned status %d", resp.StatusCode))
		return
	}

	now := time.Now()
	if err := d.store.MarkTaskRunRunning(ctx, run.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Cancelled between claim and dispatch; the worker will learn
			// via its first heartbeat.
			log.Printf("Dispatch %s: run no longer pending, leaving as-is", run.ID)
			return
		}
		log.Printf("Dispatch %s: mark running failed: %v", run.ID, err)
		return
	}
	observability.Dispatches.WithLabelValues("accepted").Inc()
	observability.TaskWaitSeconds.Observe(now.Sub(run.CreatedAt).Seconds())
	log.Printf("Run %s dispatched to %s (task %s attempt %d)", run.ID, svc.ID, run.TaskID, run.Attempt)

	// Temp-upload claims are best effort and must never fail the dispatch.
	d.claimTempUploads(ctx, run)
}

// AllowService consults the per-service dispatch limiter.
func (d *Dispatcher) AllowService(serviceID string) bool {
	limiter, ok := d.serviceLimiters[serviceID]
	if !ok {
		limiter = rate.NewLimiter(d.limiterRate, d.limiterBurst)
		d.serviceLimiters[serviceID] = limiter
	}
	return limiter.Allow()
}

// failDispatch marks the pending run failed with DISPATCH_FAILED and routes
// it into retry/DLQ handling.
func (d *Dispatcher) failDispatch(ctx context.Context, run *store.TaskRun, msg string) {
	log.Printf("Dispatch %s failed: %s", run.ID, msg)
	completion := store.TaskRunCompletion{
		Status:      store.TaskRunFailed,
		Error:       msg,
		ErrorCode:   store.ErrCodeDispatchFailed,
		CompletedAt: time.Now(),
	}
	if err := d.store.CompleteTaskRun(ctx, run.ID, store.TaskRunPending, completion); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			log.Printf("Dispatch %s: record failure: %v", run.ID, err)
		}
		return
	}
	observability.TaskRunsCompleted.WithLabelValues(string(store.TaskRunFailed)).Inc()
	if err := d.executor.HandleRunFailure(ctx, run.ID); err != nil {
		log.Printf("Dispatch %s: failure handling: %v", run.ID, err)
	}
}

// upstreamRefs collects completed predecessors of this run's task inside the
// pipeline run.
func (d *Dispatcher) upstreamRefs(ctx context.Context, run *store.TaskRun) (map[string]UpstreamRef, error) {
	prun, err := d.store.GetPipelineRun(ctx, run.PipelineRunID)
	if err != nil {
		return nil, err
	}
	preds := prun.Structure.Predecessors(run.TaskID)
	if len(preds) == 0 {
		return nil, nil
	}
	runs, err := d.store.ListTaskRunsForPipelineRun(ctx, run.PipelineRunID)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]UpstreamRef)
	for _, pred := range preds {
		var latest *store.TaskRun
		for _, tr := range runs {
			if tr.TaskID == pred && (latest == nil || tr.Attempt > latest.Attempt) {
				latest = tr
			}
		}
		if latest != nil && latest.Status == store.TaskRunCompleted {
			refs[pred] = UpstreamRef{OutputPath: latest.OutputPath, Assets: latest.Assets}
		}
	}
	return refs, nil
}

// claimTempUploads walks the run input for tmp_* ids and claims each one.
func (d *Dispatcher) claimTempUploads(ctx context.Context, run *store.TaskRun) {
	data, err := d.blobs.Get(ctx, run.InputPath)
	if err != nil {
		log.Printf("Dispatch %s: temp-upload scan skipped, input unreadable: %v", run.ID, err)
		return
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return
	}
	for _, id := range findTempUploadIDs(input) {
		claimed, err := d.store.ClaimTempUpload(ctx, id, run.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("Dispatch %s: claim %s: %v", run.ID, id, err)
			continue
		}
		if claimed {
			log.Printf("Run %s claimed temp upload %s", run.ID, id)
		}
	}
}

// findTempUploadIDs recursively walks a decoded JSON value collecting string
// values with the temp-upload prefix.
func findTempUploadIDs(v any) []string {
	var ids []string
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			if strings.HasPrefix(val, store.TempUploadPrefix+"_") && !seen[val] {
				seen[val] = true
				ids = append(ids, val)
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return ids
}
