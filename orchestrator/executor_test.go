package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/saritra/pipeweave/orchestrator/schema"
	"github.com/saritra/pipeweave/orchestrator/store"
)

func TestHappyLinearPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B"})
	env.seedTask(t, "B", nil)
	env.seedPipeline(t, "P1", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID: "P1",
		Input:      map[string]any{"x": float64(1)},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(result.QueuedTasks) != 1 {
		t.Fatalf("expected 1 queued entry run, got %d", len(result.QueuedTasks))
	}
	if result.Status != store.PipelineRunRunning {
		t.Fatalf("expected running pipeline, got %s", result.Status)
	}

	runs := env.runsByTask(t, result.PipelineRunID)
	runA := runs["A"]
	if runA == nil || runA.Status != store.TaskRunPending {
		t.Fatalf("expected pending run for A, got %+v", runA)
	}

	env.startRun(t, runA.ID)
	env.completeRun(t, runA.ID, "runs/p/outputs/a.json", []string{"B"})

	runs = env.runsByTask(t, result.PipelineRunID)
	runB := runs["B"]
	if runB == nil || runB.Status != store.TaskRunPending {
		t.Fatalf("expected B queued after A completed, got %+v", runB)
	}

	env.startRun(t, runB.ID)
	env.completeRun(t, runB.ID, "runs/p/outputs/b.json", nil)

	prun := env.pipelineRun(t, result.PipelineRunID)
	if prun.Status != store.PipelineRunCompleted {
		t.Fatalf("expected completed pipeline, got %s", prun.Status)
	}
	if prun.CompletedAt == nil {
		t.Fatal("expected completedAt set")
	}

	// Downstream of A queued exactly once.
	all, _ := env.store.ListTaskRunsForPipelineRun(context.Background(), result.PipelineRunID)
	countB := 0
	for _, tr := range all {
		if tr.TaskID == "B" {
			countB++
		}
	}
	if countB != 1 {
		t.Fatalf("expected exactly one run for B, got %d", countB)
	}

	// Aggregate output written for the sink task.
	if prun2 := env.pipelineRun(t, result.PipelineRunID); prun2.OutputPath == "" {
		t.Fatal("expected aggregate output path")
	}
}

func TestFanOutFanIn(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B", "C"})
	env.seedTask(t, "B", []string{"D"})
	env.seedTask(t, "C", []string{"D"})
	env.seedTask(t, "D", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.completeRun(t, runs["A"].ID, "out/a.json", nil)

	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["B"] == nil || runs["C"] == nil {
		t.Fatal("expected B and C queued after A")
	}
	if runs["D"] != nil && runs["D"].Status == store.TaskRunPending {
		t.Fatal("D must not be pending before B and C complete")
	}

	env.startRun(t, runs["B"].ID)
	env.completeRun(t, runs["B"].ID, "out/b.json", nil)

	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["D"] != nil && runs["D"].Status == store.TaskRunPending {
		t.Fatal("D must not be pending while C is in flight")
	}

	env.startRun(t, runs["C"].ID)
	env.completeRun(t, runs["C"].ID, "out/c.json", nil)

	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["D"] == nil || runs["D"].Status != store.TaskRunPending {
		t.Fatalf("expected D pending once both upstreams completed, got %+v", runs["D"])
	}

	// Exactly one TaskRun for D.
	all, _ := env.store.ListTaskRunsForPipelineRun(context.Background(), result.PipelineRunID)
	countD := 0
	for _, tr := range all {
		if tr.TaskID == "D" {
			countD++
		}
	}
	if countD != 1 {
		t.Fatalf("expected exactly one run for D, got %d", countD)
	}

	env.startRun(t, runs["D"].ID)
	env.completeRun(t, runs["D"].ID, "out/d.json", nil)

	if prun := env.pipelineRun(t, result.PipelineRunID); prun.Status != store.PipelineRunCompleted {
		t.Fatalf("expected completed, got %s", prun.Status)
	}
}

func TestFailFastCancelsSiblings(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B", "C"})
	env.seedTask(t, "B", nil) // retries=0: first failure is exhaustion
	env.seedTask(t, "C", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID:  "P",
		Input:       map[string]any{},
		FailureMode: store.FailFast,
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.completeRun(t, runs["A"].ID, "out/a.json", nil)

	runs = env.runsByTask(t, result.PipelineRunID)
	// C running while B fails exhaustively.
	env.startRun(t, runs["C"].ID)
	env.startRun(t, runs["B"].ID)
	env.failRun(t, runs["B"].ID, store.ErrCodeNetworkError)

	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["C"].Status != store.TaskRunCancelled {
		t.Fatalf("expected C cancelled on fail-fast, got %s", runs["C"].Status)
	}
	if prun := env.pipelineRun(t, result.PipelineRunID); prun.Status != store.PipelineRunFailed {
		t.Fatalf("expected failed pipeline, got %s", prun.Status)
	}

	// The exhausted failure produced a DLQ item.
	items, err := env.store.ListDLQItems(context.Background(), store.DLQFilter{TaskID: "B"})
	if err != nil || len(items) != 1 {
		t.Fatalf("expected 1 DLQ item for B, got %d (%v)", len(items), err)
	}
	if items[0].Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", items[0].Attempts)
	}

	// A worker callback for cancelled C is discarded.
	env.failRun(t, runs["C"].ID, store.ErrCodeNetworkError)
	after := env.runsByTask(t, result.PipelineRunID)
	if after["C"].Status != store.TaskRunCancelled {
		t.Fatalf("cancelled run must stay cancelled, got %s", after["C"].Status)
	}
}

func TestContinueModeRollsUpPartial(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B", "C"})
	env.seedTask(t, "B", []string{"D"})
	env.seedTask(t, "C", nil)
	env.seedTask(t, "D", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID:  "P",
		Input:       map[string]any{},
		FailureMode: store.ContinueMode,
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.completeRun(t, runs["A"].ID, "out/a.json", nil)

	runs = env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["B"].ID)
	env.failRun(t, runs["B"].ID, store.ErrCodeNetworkError)

	// C continues and completes despite B's branch dying.
	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["C"].Status == store.TaskRunCancelled {
		t.Fatal("C must keep running in continue mode")
	}
	env.startRun(t, runs["C"].ID)
	env.completeRun(t, runs["C"].ID, "out/c.json", nil)

	// D is downstream of the failed branch and must never be scheduled.
	runs = env.runsByTask(t, result.PipelineRunID)
	if d := runs["D"]; d != nil && d.Status != store.TaskRunCancelled {
		t.Fatalf("D must not be scheduled after upstream failure, got %+v", d)
	}

	if prun := env.pipelineRun(t, result.PipelineRunID); prun.Status != store.PipelineRunPartial {
		t.Fatalf("expected partial pipeline (some completed, some failed), got %s", prun.Status)
	}
}

func TestIdempotencyHitSkipsDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.IdempotencyTTLSec = 3600
	})
	env.seedPipeline(t, "P", []string{"A"})

	input := map[string]any{"k": "v"}

	// First trigger: runs normally, completes, caches its output.
	first, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID:      "P",
		Input:           input,
		IdempotencyKeys: map[string]string{"A": "k1"},
	})
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	runs := env.runsByTask(t, first.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.completeRun(t, runs["A"].ID, "p1", nil)

	// Second trigger with the same key: hit, no dispatch needed.
	second, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID:      "P",
		Input:           input,
		IdempotencyKeys: map[string]string{"A": "k1"},
	})
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	runs = env.runsByTask(t, second.PipelineRunID)
	runA := runs["A"]
	if runA.Status != store.TaskRunCompleted {
		t.Fatalf("expected cache-completed run, got %s", runA.Status)
	}
	if runA.OutputPath != "p1" {
		t.Fatalf("expected cached output p1, got %q", runA.OutputPath)
	}
	if prun := env.pipelineRun(t, second.PipelineRunID); prun.Status != store.PipelineRunCompleted {
		t.Fatalf("expected completed pipeline from cache, got %s", prun.Status)
	}
}

func TestIdempotencyMissOnCodeVersionChange(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	task := env.seedTask(t, "A", nil, func(task *store.Task) {
		task.IdempotencyTTLSec = 3600
	})
	env.seedPipeline(t, "P", []string{"A"})

	first, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID:      "P",
		Input:           map[string]any{},
		IdempotencyKeys: map[string]string{"A": "k1"},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, first.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.completeRun(t, runs["A"].ID, "p1", nil)

	// New code version invalidates the cache.
	task.CodeVersion = 2
	task.CodeHash = "1111222233334444"
	if err := env.store.UpdateTask(context.Background(), task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	second, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID:      "P",
		Input:           map[string]any{},
		IdempotencyKeys: map[string]string{"A": "k1"},
	})
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	runs = env.runsByTask(t, second.PipelineRunID)
	if runs["A"].Status != store.TaskRunPending {
		t.Fatalf("expected a fresh pending run after code change, got %s", runs["A"].Status)
	}
}

func TestWorkerNarrowsNextSet(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B", "C"})
	env.seedTask(t, "B", nil)
	env.seedTask(t, "C", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.completeRun(t, runs["A"].ID, "out/a.json", []string{"B"})

	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["B"] == nil {
		t.Fatal("expected B scheduled")
	}
	if runs["C"] != nil {
		t.Fatal("C was narrowed out and must not be scheduled")
	}
}

func TestWorkerCannotWidenNextSet(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B"})
	env.seedTask(t, "B", nil)
	env.seedTask(t, "X", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)

	err = env.executor.HandleCompletion(context.Background(), runs["A"].ID, CompletionPayload{
		Status:       "success",
		OutputPath:   "out/a.json",
		SelectedNext: []string{"X"},
	})
	if !errors.Is(err, ErrInvalidNextTasks) {
		t.Fatalf("expected ErrInvalidNextTasks, got %v", err)
	}
	// The run stays running; the worker must resubmit a valid callback.
	run, _ := env.store.GetTaskRun(context.Background(), runs["A"].ID)
	if run.Status != store.TaskRunRunning {
		t.Fatalf("run must stay running after rejected callback, got %s", run.Status)
	}
}

func TestTriggerValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	minLen := 3
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.InputSchema = &schema.InputSchema{
			Strict: true,
			Fields: []schema.Field{
				{Name: "name", Type: schema.TypeString, Required: true, MinLength: &minLen},
			},
		}
	})
	env.seedPipeline(t, "P", []string{"A"})

	_, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID: "P",
		Input:      map[string]any{"name": "ab", "extra": true},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error in strict mode, got %v", err)
	}

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{
		PipelineID:     "P",
		Input:          map[string]any{"name": "ab", "extra": true},
		ValidationMode: ValidationWarn,
	})
	if err != nil {
		t.Fatalf("warn mode must proceed: %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("warn mode must surface warnings")
	}
}

func TestTriggerRejectedDuringMaintenance(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil)
	env.seedPipeline(t, "P", []string{"A"})

	ctrl := NewMaintenanceController(env.store, time.Second)
	if err := ctrl.RequestMaintenance(context.Background()); err != nil {
		t.Fatalf("request maintenance: %v", err)
	}

	_, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable during drain, got %v", err)
	}
	_, err = env.executor.QueueTask(context.Background(), QueueTaskRequest{TaskID: "A", Input: map[string]any{}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for queueTask during drain, got %v", err)
	}
}

func TestCancelPipelineRun(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B"})
	env.seedTask(t, "B", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)

	if err := env.executor.CancelPipelineRun(context.Background(), result.PipelineRunID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if prun := env.pipelineRun(t, result.PipelineRunID); prun.Status != store.PipelineRunCancelled {
		t.Fatalf("expected cancelled, got %s", prun.Status)
	}

	// The running worker learns through its heartbeat.
	resp, err := Heartbeat(context.Background(), env.store, runs["A"].ID, nil)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !resp.ShouldCancel {
		t.Fatal("expected shouldCancel=true after pipeline cancellation")
	}
}

func TestDryRunPlan(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", []string{"B", "C"})
	env.seedTask(t, "B", []string{"D"})
	env.seedTask(t, "C", []string{"D"})
	env.seedTask(t, "D", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.DryRun(context.Background(), "P", nil)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(result.Plan) != 3 {
		t.Fatalf("expected 3 layers, got %d", len(result.Plan))
	}
	if len(result.Plan[0].TaskIDs) != 1 || result.Plan[0].TaskIDs[0] != "A" {
		t.Fatalf("layer 0 must be [A], got %v", result.Plan[0].TaskIDs)
	}
	if len(result.Plan[1].TaskIDs) != 2 {
		t.Fatalf("layer 1 must be [B C], got %v", result.Plan[1].TaskIDs)
	}
	if len(result.Plan[2].TaskIDs) != 1 || result.Plan[2].TaskIDs[0] != "D" {
		t.Fatalf("layer 2 must be [D], got %v", result.Plan[2].TaskIDs)
	}

	// No side effects.
	counts, _ := env.store.CountQueue(context.Background())
	if counts.Pending+counts.Running+counts.Waiting != 0 {
		t.Fatal("dry run must not create task runs")
	}
}

func TestDuplicateCompletionIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil)
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.completeRun(t, runs["A"].ID, "out/a.json", nil)
	// Second identical callback must be a no-op, not an error.
	env.completeRun(t, runs["A"].ID, "out/other.json", nil)

	run, _ := env.store.GetTaskRun(context.Background(), runs["A"].ID)
	if run.OutputPath != "out/a.json" {
		t.Fatalf("duplicate callback must not overwrite output, got %q", run.OutputPath)
	}
}
