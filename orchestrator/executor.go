package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/saritra/pipeweave/orchestrator/objectstore"
	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/schema"
	"github.com/saritra/pipeweave/orchestrator/store"
	"github.com/saritra/pipeweave/orchestrator/streaming"
)

// Validation modes for trigger input.
const (
	ValidationStrict = "strict"
	ValidationWarn   = "warn"
	ValidationNone   = "none"
)

var (
	// ErrUnavailable is returned when admission control rejects a request
	// (maintenance mode or backpressure). Maps to 503 at the API layer.
	ErrUnavailable = errors.New("orchestrator unavailable")
	// ErrValidation is returned on strict-mode schema violations.
	ErrValidation = errors.New("input validation failed")
	// ErrInvalidNextTasks is returned when a worker reports next tasks
	// outside its allowed set.
	ErrInvalidNextTasks = errors.New("selected next tasks outside allowed set")
)

// TriggerRequest is the inbound pipeline trigger contract.
type TriggerRequest struct {
	PipelineID      string            `json:"pipeline_id"`
	Input           any               `json:"input"`
	FailureMode     store.FailureMode `json:"failure_mode,omitempty"`
	Priority        *int              `json:"priority,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	ValidationMode  string            `json:"validation_mode,omitempty"`
	IdempotencyKeys map[string]string `json:"idempotency_keys,omitempty"` // taskId -> user key
}

// TriggerResult is returned to the caller after a successful trigger.
type TriggerResult struct {
	PipelineRunID string                  `json:"pipeline_run_id"`
	Status        store.PipelineRunStatus `json:"status"`
	InputPath     string                  `json:"input_path"`
	EntryTasks    []string                `json:"entry_tasks"`
	QueuedTasks   []string                `json:"queued_tasks"`
	Warnings      []string                `json:"warnings,omitempty"`
}

// QueueTaskRequest enqueues one standalone task run.
type QueueTaskRequest struct {
	TaskID         string `json:"task_id"`
	Input          any    `json:"input"`
	Priority       *int   `json:"priority,omitempty"`
	ValidationMode string `json:"validation_mode,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CompletionPayload is the worker callback contract.
type CompletionPayload struct {
	Status       string                    `json:"status"` // success | failed
	OutputPath   string                    `json:"output_path,omitempty"`
	OutputSize   *int64                    `json:"output_size,omitempty"`
	Assets       map[string]store.AssetRef `json:"assets,omitempty"`
	LogsPath     string                    `json:"logs_path,omitempty"`
	SelectedNext []string                  `json:"selected_next,omitempty"`
	Error        string                    `json:"error,omitempty"`
	ErrorCode    string                    `json:"error_code,omitempty"`
}

// Executor drives pipeline runs: trigger, fan-out, fan-in, failure handling,
// and terminal roll-up. It is the only component that creates task runs.
type Executor struct {
	store     store.Store
	blobs     objectstore.Store
	retrier   *Retrier
	publisher streaming.Publisher
}

// NewExecutor wires the pipeline executor.
func NewExecutor(s store.Store, blobs objectstore.Store, retrier *Retrier, publisher streaming.Publisher) *Executor {
	return &Executor{store: s, blobs: blobs, retrier: retrier, publisher: publisher}
}

// admissionAllowed gates trigger/queue requests on the maintenance lifecycle.
func (e *Executor) admissionAllowed(ctx context.Context) error {
	st, err := e.store.GetOrchestratorState(ctx)
	if err != nil {
		return err
	}
	if st.Mode != store.ModeRunning {
		observability.AdmissionRejections.WithLabelValues("maintenance").Inc()
		return fmt.Errorf("%w: orchestrator in %s mode", ErrUnavailable, st.Mode)
	}
	return nil
}

// cacheKey is SHA-256(taskId + ":" + userKey), hex encoded.
func cacheKey(taskID, userKey string) string {
	sum := sha256.Sum256([]byte(taskID + ":" + userKey))
	return hex.EncodeToString(sum[:])
}

// deriveUserKey is the fallback key function when the caller supplies none:
// a digest of the canonical input JSON, so identical inputs deduplicate.
func deriveUserKey(input any) string {
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// TriggerPipeline creates a pipeline run, uploads its input, validates it,
// and queues the entry tasks.
func (e *Executor) TriggerPipeline(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if err := e.admissionAllowed(ctx); err != nil {
		return nil, err
	}

	pipeline, err := e.store.GetPipeline(ctx, req.PipelineID)
	if err != nil {
		return nil, err
	}

	// Load every referenced task and freeze the structure snapshot.
	tasks, snapshot, err := e.loadStructure(ctx, pipeline)
	if err != nil {
		return nil, err
	}

	mode := req.ValidationMode
	if mode == "" {
		mode = ValidationStrict
	}
	var warnings []string
	if mode != ValidationNone {
		var issues []schema.Issue
		for _, entryID := range pipeline.EntryTaskIDs {
			if task := tasks[entryID]; task != nil && task.InputSchema != nil {
				issues = append(issues, task.InputSchema.Validate(req.Input)...)
			}
		}
		if len(issues) > 0 {
			if mode == ValidationStrict {
				msgs := make([]string, len(issues))
				for i, issue := range issues {
					msgs[i] = issue.String()
				}
				return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
			}
			for _, issue := range issues {
				warnings = append(warnings, issue.String())
				log.Printf("Trigger %s: input warning: %s", req.PipelineID, issue)
			}
		}
	}

	prunID := store.NewID(store.PipelineRunPrefix)
	inputPath := objectstore.PipelineInputPath(prunID)
	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	if err := e.blobs.Put(ctx, inputPath, inputJSON); err != nil {
		return nil, fmt.Errorf("upload input: %w", err)
	}

	failureMode := req.FailureMode
	if failureMode == "" {
		failureMode = store.FailFast
	}
	now := time.Now()
	prun := &store.PipelineRun{
		ID:              prunID,
		PipelineID:      pipeline.ID,
		Status:          store.PipelineRunPending,
		FailureMode:     failureMode,
		InputPath:       inputPath,
		Structure:       snapshot,
		PipelineVersion: pipeline.PipelineVersion,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreatePipelineRun(ctx, prun); err != nil {
		return nil, err
	}

	result := &TriggerResult{
		PipelineRunID: prunID,
		InputPath:     inputPath,
		EntryTasks:    pipeline.EntryTaskIDs,
		Warnings:      warnings,
	}

	var cachedCompletions []*store.TaskRun
	for _, entryID := range pipeline.EntryTaskIDs {
		task := tasks[entryID]
		run, fromCache, err := e.createRun(ctx, task, prunID, inputPath, req.priorityFor(task), req.IdempotencyKeys[entryID], req.Input, store.TaskRunPending, now)
		if err != nil {
			return nil, err
		}
		result.QueuedTasks = append(result.QueuedTasks, run.ID)
		if fromCache {
			cachedCompletions = append(cachedCompletions, run)
		}
	}

	// Entry runs exist; the run is live.
	if err := e.store.TransitionPipelineRun(ctx, prunID, []store.PipelineRunStatus{store.PipelineRunPending}, store.PipelineRunRunning, "", nil); err != nil {
		return nil, err
	}
	result.Status = store.PipelineRunRunning
	e.publish(ctx, streaming.TopicPipelineRun, map[string]any{"id": prunID, "status": store.PipelineRunRunning})

	// Cache hits complete instantly; schedule their downstream now.
	for _, run := range cachedCompletions {
		if err := e.QueueDownstreamTasks(ctx, run.ID, nil); err != nil {
			log.Printf("Trigger %s: downstream of cached run %s: %v", prunID, run.ID, err)
		}
	}
	if len(cachedCompletions) > 0 {
		if err := e.checkPipelineCompletion(ctx, prunID); err != nil {
			log.Printf("Trigger %s: completion check: %v", prunID, err)
		}
	}

	return result, nil
}

func (req *TriggerRequest) priorityFor(task *store.Task) int {
	if req.Priority != nil {
		return *req.Priority
	}
	return task.Priority
}

// loadStructure resolves every task reachable from the entry set and freezes
// the snapshot. Missing tasks are configuration errors, surfaced to the caller.
func (e *Executor) loadStructure(ctx context.Context, pipeline *store.Pipeline) (map[string]*store.Task, store.StructureSnapshot, error) {
	tasks := make(map[string]*store.Task)
	snapshot := make(store.StructureSnapshot)
	queue := append([]string(nil), pipeline.EntryTaskIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := tasks[id]; seen {
			continue
		}
		task, err := e.store.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("pipeline %s references unknown task %s: %w", pipeline.ID, id, err)
		}
		if err != nil {
			return nil, nil, err
		}
		tasks[id] = task
		snapshot[id] = store.SnapshotNode{AllowedNext: append([]string(nil), task.AllowedNext...)}
		queue = append(queue, task.AllowedNext...)
	}
	return tasks, snapshot, nil
}

// createRun inserts one attempt-1 task run, consulting the idempotency cache
// first. A cache hit materializes an already-completed run pointing at the
// cached output, and the worker is never called.
func (e *Executor) createRun(ctx context.Context, task *store.Task, pipelineRunID, inputPath string, priority int, userKey string, input any, status store.TaskRunStatus, now time.Time) (*store.TaskRun, bool, error) {
	run := &store.TaskRun{
		ID:            store.NewID(store.TaskRunPrefix),
		TaskID:        task.ID,
		PipelineRunID: pipelineRunID,
		ServiceID:     task.ServiceID,
		Status:        status,
		CodeVersion:   task.CodeVersion,
		CodeHash:      task.CodeHash,
		Attempt:       1,
		MaxRetries:    task.Retries,
		Priority:      priority,
		InputPath:     inputPath,
		ScheduledAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if task.IdempotencyTTLSec > 0 {
		if userKey == "" && input != nil {
			userKey = deriveUserKey(input)
		}
		if userKey != "" {
			run.IdempotencyKey = cacheKey(task.ID, userKey)
			cached, err := e.store.GetCachedResult(ctx, run.IdempotencyKey, now)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, false, err
			}
			if cached != nil && cached.CodeVersion == task.CodeVersion {
				observability.IdempotencyHits.Inc()
				run.Status = store.TaskRunCompleted
				run.OutputPath = cached.OutputPath
				run.OutputSize = cached.OutputSize
				run.Assets = cached.Assets
				at := now
				run.StartedAt = &at
				run.CompletedAt = &at
				if err := e.store.CreateTaskRun(ctx, run); err != nil {
					return nil, false, err
				}
				e.publish(ctx, streaming.TopicTaskRun, map[string]any{"id": run.ID, "task_id": task.ID, "status": run.Status, "cached": true})
				return run, true, nil
			}
		}
	}

	if err := e.store.CreateTaskRun(ctx, run); err != nil {
		return nil, false, err
	}
	e.publish(ctx, streaming.TopicTaskRun, map[string]any{"id": run.ID, "task_id": task.ID, "status": run.Status})
	return run, false, nil
}

// QueueTask enqueues one standalone task run (no pipeline).
func (e *Executor) QueueTask(ctx context.Context, req QueueTaskRequest) (*store.TaskRun, error) {
	if err := e.admissionAllowed(ctx); err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	mode := req.ValidationMode
	if mode == "" {
		mode = ValidationStrict
	}
	if mode == ValidationStrict && task.InputSchema != nil {
		if issues := task.InputSchema.Validate(req.Input); len(issues) > 0 {
			msgs := make([]string, len(issues))
			for i, issue := range issues {
				msgs[i] = issue.String()
			}
			return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
		}
	}

	now := time.Now()
	runID := store.NewID(store.TaskRunPrefix)
	inputPath := objectstore.StandaloneInputPath(runID)
	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	if err := e.blobs.Put(ctx, inputPath, inputJSON); err != nil {
		return nil, fmt.Errorf("upload input: %w", err)
	}

	priority := task.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}
	run, _, err := e.createRun(ctx, task, "", inputPath, priority, req.IdempotencyKey, req.Input, store.TaskRunPending, now)
	return run, err
}

// HandleCompletion is the single worker callback: it atomically transitions
// running -> completed|failed and triggers the downstream logic. Duplicate
// callbacks and callbacks for cancelled runs are discarded.
func (e *Executor) HandleCompletion(ctx context.Context, runID string, payload CompletionPayload) error {
	run, err := e.store.GetTaskRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.TaskRunCancelled {
		// Worker raced a cancellation; its stored outputs are harmless.
		log.Printf("Completion for cancelled run %s discarded", runID)
		return nil
	}
	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}

	now := time.Now()
	switch payload.Status {
	case "success":
		selected := payload.SelectedNext
		if run.PipelineRunID != "" && selected != nil {
			allowed, err := e.allowedNextFor(ctx, run)
			if err != nil {
				return err
			}
			for _, next := range selected {
				if !containsString(allowed, next) {
					return fmt.Errorf("%w: %s", ErrInvalidNextTasks, next)
				}
			}
		}
		completion := store.TaskRunCompletion{
			Status:       store.TaskRunCompleted,
			OutputPath:   payload.OutputPath,
			OutputSize:   payload.OutputSize,
			Assets:       payload.Assets,
			LogsPath:     payload.LogsPath,
			SelectedNext: selected,
			CompletedAt:  now,
		}
		if err := e.store.CompleteTaskRun(ctx, runID, store.TaskRunRunning, completion); err != nil {
			if errors.Is(err, store.ErrConflict) {
				log.Printf("Duplicate completion for run %s ignored", runID)
				return nil
			}
			return err
		}
		observability.TaskRunsCompleted.WithLabelValues(string(store.TaskRunCompleted)).Inc()
		if run.StartedAt != nil {
			observability.TaskRuntimeSeconds.Observe(now.Sub(*run.StartedAt).Seconds())
		}
		e.publish(ctx, streaming.TopicTaskRun, map[string]any{"id": runID, "task_id": run.TaskID, "status": store.TaskRunCompleted})

		// Cache only successful completions with an output.
		if run.IdempotencyKey != "" && task.IdempotencyTTLSec > 0 && payload.OutputPath != "" {
			err := e.store.PutCachedResult(ctx, &store.CachedResult{
				Key:              run.IdempotencyKey,
				TaskID:           run.TaskID,
				CodeVersion:      run.CodeVersion,
				OutputPath:       payload.OutputPath,
				OutputSize:       payload.OutputSize,
				Assets:           payload.Assets,
				OriginatingRunID: runID,
				InsertedAt:       now,
				ExpiresAt:        now.Add(time.Duration(task.IdempotencyTTLSec) * time.Second),
			})
			if err != nil {
				log.Printf("Cache insert for run %s failed: %v", runID, err)
			}
		}

		if run.PipelineRunID != "" {
			if err := e.QueueDownstreamTasks(ctx, runID, selected); err != nil {
				return err
			}
			return e.checkPipelineCompletion(ctx, run.PipelineRunID)
		}
		return nil

	case "failed":
		completion := store.TaskRunCompletion{
			Status:      store.TaskRunFailed,
			LogsPath:    payload.LogsPath,
			Error:       payload.Error,
			ErrorCode:   payload.ErrorCode,
			CompletedAt: now,
		}
		if err := e.store.CompleteTaskRun(ctx, runID, store.TaskRunRunning, completion); err != nil {
			if errors.Is(err, store.ErrConflict) {
				log.Printf("Duplicate failure callback for run %s ignored", runID)
				return nil
			}
			return err
		}
		observability.TaskRunsCompleted.WithLabelValues(string(store.TaskRunFailed)).Inc()
		e.publish(ctx, streaming.TopicTaskRun, map[string]any{"id": runID, "task_id": run.TaskID, "status": store.TaskRunFailed, "error_code": payload.ErrorCode})
		return e.HandleRunFailure(ctx, runID)

	default:
		return fmt.Errorf("unknown completion status %q", payload.Status)
	}
}

// HandleRunFailure routes a terminally-failed attempt through the retry
// scheduler; exhausted or fatal failures land in the DLQ and trip the
// pipeline failure mode.
func (e *Executor) HandleRunFailure(ctx context.Context, runID string) error {
	run, err := e.store.GetTaskRun(ctx, runID)
	if err != nil {
		return err
	}
	outcome, err := e.retrier.HandleFailure(ctx, run)
	if err != nil {
		return err
	}
	if outcome == OutcomeDeadLettered && run.PipelineRunID != "" {
		return e.handlePipelineFailure(ctx, run)
	}
	if run.PipelineRunID != "" {
		return e.checkPipelineCompletion(ctx, run.PipelineRunID)
	}
	return nil
}

func (e *Executor) allowedNextFor(ctx context.Context, run *store.TaskRun) ([]string, error) {
	prun, err := e.store.GetPipelineRun(ctx, run.PipelineRunID)
	if err != nil {
		return nil, err
	}
	return prun.Structure[run.TaskID].AllowedNext, nil
}

// runState is the per-task view of a pipeline run used by fan-in decisions.
type runState struct {
	latest *store.TaskRun // highest attempt
	all    []*store.TaskRun
}

func (e *Executor) pipelineRunState(ctx context.Context, pipelineRunID string) (map[string]*runState, error) {
	runs, err := e.store.ListTaskRunsForPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return nil, err
	}
	state := make(map[string]*runState)
	for _, tr := range runs {
		rs := state[tr.TaskID]
		if rs == nil {
			rs = &runState{}
			state[tr.TaskID] = rs
		}
		rs.all = append(rs.all, tr)
		if rs.latest == nil || tr.Attempt > rs.latest.Attempt {
			rs.latest = tr
		}
	}
	return state, nil
}

// reachable reports whether target can still be produced: some task with a
// live (non-terminal) run has a path to it in the snapshot.
func reachable(snapshot store.StructureSnapshot, state map[string]*runState, target string) bool {
	var live []string
	for taskID, rs := range state {
		if rs.latest != nil && !rs.latest.Status.Terminal() {
			live = append(live, taskID)
		}
		// A failed task that still has retries coming shows up as a new
		// pending attempt, so terminal latest is authoritative here.
	}
	visited := make(map[string]bool)
	queue := live
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if id == target {
			return true
		}
		queue = append(queue, snapshot[id].AllowedNext...)
	}
	return visited[target]
}

// readiness classifies a downstream task against its predecessors.
type readiness int

const (
	ready    readiness = iota // every relevant predecessor completed
	notReady                  // a predecessor is live or still creatable
	blocked                   // a predecessor ended non-completed
)

// downstreamReadiness applies the conservative fan-in rule: ready iff every
// created predecessor completed and no missing predecessor is still reachable
// through live paths; blocked as soon as any predecessor ended non-completed.
func downstreamReadiness(snapshot store.StructureSnapshot, state map[string]*runState, taskID string) readiness {
	result := ready
	for _, pred := range snapshot.Predecessors(taskID) {
		rs := state[pred]
		if rs == nil || rs.latest == nil {
			if reachable(snapshot, state, pred) {
				result = notReady
			}
			continue
		}
		switch {
		case rs.latest.Status == store.TaskRunCompleted:
			// Completed predecessors must also have selected this task.
			effective := rs.latest.SelectedNext
			if effective == nil {
				effective = snapshot[pred].AllowedNext
			}
			if !containsString(effective, taskID) {
				continue
			}
		case rs.latest.Status.Terminal():
			return blocked
		default:
			result = notReady
		}
	}
	return result
}

// QueueDownstreamTasks fans out after a successful completion: the effective
// next set is the worker's narrowed selection intersected with allowedNext.
func (e *Executor) QueueDownstreamTasks(ctx context.Context, completedRunID string, selectedNext []string) error {
	run, err := e.store.GetTaskRun(ctx, completedRunID)
	if err != nil {
		return err
	}
	prun, err := e.store.GetPipelineRun(ctx, run.PipelineRunID)
	if err != nil {
		return err
	}
	snapshot := prun.Structure
	allowed := snapshot[run.TaskID].AllowedNext

	effective := selectedNext
	if effective == nil {
		effective = run.SelectedNext
	}
	if effective == nil {
		effective = allowed
	}
	var next []string
	for _, id := range effective {
		if containsString(allowed, id) {
			next = append(next, id)
		}
	}

	state, err := e.pipelineRunState(ctx, run.PipelineRunID)
	if err != nil {
		return err
	}

	input, err := e.loadPipelineInput(ctx, prun)
	if err != nil {
		log.Printf("Pipeline %s: input reload failed (cache keys degrade): %v", prun.ID, err)
	}

	now := time.Now()
	for _, nextID := range next {
		if rs := state[nextID]; rs != nil && rs.latest != nil {
			continue // already created via another path
		}
		task, err := e.store.GetTask(ctx, nextID)
		if err != nil {
			return fmt.Errorf("downstream task %s: %w", nextID, err)
		}
		status := store.TaskRunPending
		switch downstreamReadiness(snapshot, state, nextID) {
		case blocked:
			continue
		case notReady:
			status = store.TaskRunWaiting
		}
		created, fromCache, err := e.createRun(ctx, task, run.PipelineRunID, prun.InputPath, task.Priority, "", input, status, now)
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue // concurrent fan-out from a sibling
			}
			return err
		}
		state[nextID] = &runState{latest: created, all: []*store.TaskRun{created}}
		if fromCache {
			if err := e.QueueDownstreamTasks(ctx, created.ID, nil); err != nil {
				return err
			}
			// Refresh: the recursion may have created more runs.
			if state, err = e.pipelineRunState(ctx, run.PipelineRunID); err != nil {
				return err
			}
		}
	}

	return e.sweepWaiting(ctx, prun, state)
}

// sweepWaiting promotes waiting runs whose fan-in is satisfied and cancels
// those that can never run because an upstream ended non-completed.
func (e *Executor) sweepWaiting(ctx context.Context, prun *store.PipelineRun, state map[string]*runState) error {
	now := time.Now()
	for taskID, rs := range state {
		if rs.latest == nil || rs.latest.Status != store.TaskRunWaiting {
			continue
		}
		switch downstreamReadiness(prun.Structure, state, taskID) {
		case ready:
			if err := e.store.PromoteWaitingTaskRun(ctx, rs.latest.ID, now); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
			e.publish(ctx, streaming.TopicTaskRun, map[string]any{"id": rs.latest.ID, "task_id": taskID, "status": store.TaskRunPending})
		case blocked:
			completion := store.TaskRunCompletion{Status: store.TaskRunCancelled, CompletedAt: now}
			if err := e.store.CompleteTaskRun(ctx, rs.latest.ID, store.TaskRunWaiting, completion); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) loadPipelineInput(ctx context.Context, prun *store.PipelineRun) (any, error) {
	data, err := e.blobs.Get(ctx, prun.InputPath)
	if err != nil {
		return nil, err
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, err
	}
	return input, nil
}

// handlePipelineFailure applies the run's failure mode after a DLQ insertion.
func (e *Executor) handlePipelineFailure(ctx context.Context, failedRun *store.TaskRun) error {
	prun, err := e.store.GetPipelineRun(ctx, failedRun.PipelineRunID)
	if err != nil {
		return err
	}

	switch prun.FailureMode {
	case store.FailFast:
		if _, err := e.store.CancelTaskRunsForPipelineRun(ctx, prun.ID, time.Now()); err != nil {
			return err
		}
		now := time.Now()
		err := e.store.TransitionPipelineRun(ctx, prun.ID,
			[]store.PipelineRunStatus{store.PipelineRunPending, store.PipelineRunRunning},
			store.PipelineRunFailed, failedRun.Error, &now)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		observability.PipelineRunsCompleted.WithLabelValues(string(store.PipelineRunFailed)).Inc()
		e.publish(ctx, streaming.TopicPipelineRun, map[string]any{"id": prun.ID, "status": store.PipelineRunFailed})
		return nil

	case store.ContinueMode, store.PartialMerge:
		// Only this branch stops: downstream of the failed task is never
		// scheduled, waiting runs blocked by it get cancelled, siblings
		// continue. Terminal roll-up happens once everything settles.
		state, err := e.pipelineRunState(ctx, prun.ID)
		if err != nil {
			return err
		}
		if err := e.sweepWaiting(ctx, prun, state); err != nil {
			return err
		}
		return e.checkPipelineCompletion(ctx, prun.ID)
	}
	return nil
}

// CancelPipelineRun cancels the run and every non-terminal task run. Running
// workers learn via their next heartbeat.
func (e *Executor) CancelPipelineRun(ctx context.Context, pipelineRunID string) error {
	if _, err := e.store.GetPipelineRun(ctx, pipelineRunID); err != nil {
		return err
	}
	if _, err := e.store.CancelTaskRunsForPipelineRun(ctx, pipelineRunID, time.Now()); err != nil {
		return err
	}
	now := time.Now()
	err := e.store.TransitionPipelineRun(ctx, pipelineRunID,
		[]store.PipelineRunStatus{store.PipelineRunPending, store.PipelineRunRunning},
		store.PipelineRunCancelled, "", &now)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	observability.PipelineRunsCompleted.WithLabelValues(string(store.PipelineRunCancelled)).Inc()
	e.publish(ctx, streaming.TopicPipelineRun, map[string]any{"id": pipelineRunID, "status": store.PipelineRunCancelled})
	return nil
}

// checkPipelineCompletion rolls the pipeline run up to a terminal status once
// every task run it owns is terminal.
func (e *Executor) checkPipelineCompletion(ctx context.Context, pipelineRunID string) error {
	prun, err := e.store.GetPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return err
	}
	if prun.Status.Terminal() {
		return nil
	}
	runs, err := e.store.ListTaskRunsForPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}

	// Only the latest attempt per task counts toward the roll-up.
	latest := make(map[string]*store.TaskRun)
	for _, tr := range runs {
		if cur := latest[tr.TaskID]; cur == nil || tr.Attempt > cur.Attempt {
			latest[tr.TaskID] = tr
		}
	}

	completed, failed, cancelled := 0, 0, 0
	for _, tr := range latest {
		if !tr.Status.Terminal() {
			return nil // still in flight
		}
		switch tr.Status {
		case store.TaskRunCompleted:
			completed++
		case store.TaskRunFailed, store.TaskRunTimeout:
			failed++
		case store.TaskRunCancelled:
			cancelled++
		}
	}

	var status store.PipelineRunStatus
	switch {
	case failed == 0 && cancelled == 0:
		status = store.PipelineRunCompleted
	case cancelled > 0 && failed == 0:
		status = store.PipelineRunCancelled
	case completed > 0:
		status = store.PipelineRunPartial
	default:
		status = store.PipelineRunFailed
	}

	now := time.Now()
	err = e.store.TransitionPipelineRun(ctx, pipelineRunID,
		[]store.PipelineRunStatus{store.PipelineRunPending, store.PipelineRunRunning},
		status, "", &now)
	if errors.Is(err, store.ErrConflict) {
		return nil // concurrent roll-up won
	}
	if err != nil {
		return err
	}
	observability.PipelineRunsCompleted.WithLabelValues(string(status)).Inc()
	e.publish(ctx, streaming.TopicPipelineRun, map[string]any{"id": pipelineRunID, "status": status})

	if status == store.PipelineRunCompleted || status == store.PipelineRunPartial {
		if err := e.writePipelineOutput(ctx, prun, latest); err != nil {
			log.Printf("Pipeline %s: aggregate output write failed: %v", pipelineRunID, err)
		}
	}
	return nil
}

// writePipelineOutput aggregates end-node outputs into one document keyed by
// terminal task id.
func (e *Executor) writePipelineOutput(ctx context.Context, prun *store.PipelineRun, latest map[string]*store.TaskRun) error {
	type sinkOutput struct {
		OutputPath string `json:"output_path"`
		OutputSize *int64 `json:"output_size,omitempty"`
	}
	outputs := make(map[string]sinkOutput)
	for taskID, tr := range latest {
		if tr.Status != store.TaskRunCompleted || tr.OutputPath == "" {
			continue
		}
		effective := tr.SelectedNext
		if effective == nil {
			effective = prun.Structure[taskID].AllowedNext
		}
		isSink := true
		for _, next := range effective {
			if rs, ok := latest[next]; ok && rs != nil {
				isSink = false
				break
			}
		}
		if isSink {
			outputs[taskID] = sinkOutput{OutputPath: tr.OutputPath, OutputSize: tr.OutputSize}
		}
	}
	doc, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	outPath := objectstore.PipelineOutputPath(prun.ID)
	if err := e.blobs.Put(ctx, outPath, doc); err != nil {
		return err
	}
	return e.store.SetPipelineRunOutput(ctx, prun.ID, outPath)
}

// DryRunStep is one topological layer of the execution plan.
type DryRunStep struct {
	Layer   int      `json:"layer"`
	TaskIDs []string `json:"task_ids"`
}

// DryRunResult is the stepwise plan with validation diagnostics.
type DryRunResult struct {
	Plan             []DryRunStep `json:"plan"`
	ValidationErrors []string     `json:"validation_errors,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
}

// DryRun computes the execution plan for a pipeline without side effects.
func (e *Executor) DryRun(ctx context.Context, pipelineID string, input any) (*DryRunResult, error) {
	pipeline, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	result := &DryRunResult{}

	tasks, snapshot, err := e.loadStructure(ctx, pipeline)
	if err != nil {
		result.ValidationErrors = append(result.ValidationErrors, err.Error())
		return result, nil
	}

	if input != nil {
		for _, entryID := range pipeline.EntryTaskIDs {
			if task := tasks[entryID]; task != nil && task.InputSchema != nil {
				for _, issue := range task.InputSchema.Validate(input) {
					result.ValidationErrors = append(result.ValidationErrors, issue.String())
				}
			}
		}
	}

	// Topological layering from the entry set.
	depth := make(map[string]int)
	for _, id := range pipeline.EntryTaskIDs {
		depth[id] = 0
	}
	changed := true
	for iter := 0; changed && iter <= len(snapshot)+1; iter++ {
		changed = false
		for id, node := range snapshot {
			d, ok := depth[id]
			if !ok {
				continue
			}
			for _, next := range node.AllowedNext {
				if nd, ok := depth[next]; !ok || nd < d+1 {
					depth[next] = d + 1
					changed = true
				}
			}
		}
	}
	if changed {
		result.Warnings = append(result.Warnings, "pipeline graph contains a cycle; layering truncated")
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	for layer := 0; layer <= maxDepth; layer++ {
		var ids []string
		for id, d := range depth {
			if d == layer {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		result.Plan = append(result.Plan, DryRunStep{Layer: layer, TaskIDs: ids})
	}
	return result, nil
}

func (e *Executor) publish(ctx context.Context, topic string, payload any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, topic, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
