package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/saritra/pipeweave/orchestrator/store"
)

func TestHeartbeatTimeoutMarksRunAndRetries(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.Retries = 1
		task.RetryDelayMs = 1
		task.HeartbeatIntervalMs = 50
	})
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)

	monitor := NewTimeoutMonitor(env.store, env.executor, time.Second)

	// Fresh heartbeat: nothing happens.
	if err := monitor.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	run, _ := env.store.GetTaskRun(context.Background(), runs["A"].ID)
	if run.Status != store.TaskRunRunning {
		t.Fatalf("fresh run must stay running, got %s", run.Status)
	}

	// Let the heartbeat go stale past 2x the interval.
	time.Sleep(150 * time.Millisecond)
	if err := monitor.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	run, _ = env.store.GetTaskRun(context.Background(), runs["A"].ID)
	if run.Status != store.TaskRunTimeout {
		t.Fatalf("expected timeout, got %s", run.Status)
	}
	if run.ErrorCode != store.ErrCodeHeartbeatTimeout {
		t.Fatalf("expected HEARTBEAT_TIMEOUT, got %q", run.ErrorCode)
	}
	if run.CompletedAt == nil {
		t.Fatal("timeout must set completedAt")
	}

	// Timeout feeds the retry path.
	latest := env.runsByTask(t, result.PipelineRunID)["A"]
	if latest.Attempt != 2 || latest.Status != store.TaskRunPending {
		t.Fatalf("expected retry attempt 2 pending, got attempt %d status %s", latest.Attempt, latest.Status)
	}
}

func TestHeartbeatRefreshPreventsTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.HeartbeatIntervalMs = 50
	})
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)

	monitor := NewTimeoutMonitor(env.store, env.executor, time.Second)
	time.Sleep(80 * time.Millisecond)

	resp, err := Heartbeat(context.Background(), env.store, runs["A"].ID, map[string]any{"progress": 0.5})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !resp.Acknowledged || resp.ShouldCancel {
		t.Fatalf("expected acknowledged heartbeat, got %+v", resp)
	}

	if err := monitor.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	run, _ := env.store.GetTaskRun(context.Background(), runs["A"].ID)
	if run.Status != store.TaskRunRunning {
		t.Fatalf("refreshed run must stay running, got %s", run.Status)
	}
	if run.Metadata["progress"] != 0.5 {
		t.Fatalf("expected merged progress metadata, got %v", run.Metadata)
	}
}

func TestMaintenanceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ctrl := NewMaintenanceController(env.store, time.Second)

	// Direct running -> maintenance is forbidden.
	err := env.store.TransitionOrchestratorMode(ctx, store.ModeMaintenance, store.ModeRunning, time.Now())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict exiting maintenance while running, got %v", err)
	}

	if err := ctrl.RequestMaintenance(ctx); err != nil {
		t.Fatalf("request: %v", err)
	}
	state, _ := ctrl.State(ctx)
	if state.Mode != store.ModeWaitingForMaintenance {
		t.Fatalf("expected waiting_for_maintenance, got %s", state.Mode)
	}

	// Requesting again while draining conflicts.
	if err := ctrl.RequestMaintenance(ctx); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on double request, got %v", err)
	}

	// Nothing queued: one drain check promotes to maintenance.
	if err := ctrl.CheckDrained(ctx); err != nil {
		t.Fatalf("drain check: %v", err)
	}
	state, _ = ctrl.State(ctx)
	if state.Mode != store.ModeMaintenance {
		t.Fatalf("expected maintenance, got %s", state.Mode)
	}

	if err := ctrl.ExitMaintenance(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	state, _ = ctrl.State(ctx)
	if state.Mode != store.ModeRunning {
		t.Fatalf("expected running after exit, got %s", state.Mode)
	}
}

func TestMaintenanceWaitsForDrain(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil)
	env.seedPipeline(t, "P", []string{"A"})
	ctx := context.Background()

	result, err := env.executor.TriggerPipeline(ctx, TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)

	ctrl := NewMaintenanceController(env.store, time.Second)
	if err := ctrl.RequestMaintenance(ctx); err != nil {
		t.Fatalf("request: %v", err)
	}

	// A run is still in flight: no promotion.
	if err := ctrl.CheckDrained(ctx); err != nil {
		t.Fatalf("drain check: %v", err)
	}
	state, _ := ctrl.State(ctx)
	if state.Mode != store.ModeWaitingForMaintenance {
		t.Fatalf("must keep draining while tasks run, got %s", state.Mode)
	}

	// Running tasks are allowed to finish during the drain.
	env.completeRun(t, runs["A"].ID, "out/a.json", nil)
	if err := ctrl.CheckDrained(ctx); err != nil {
		t.Fatalf("drain check: %v", err)
	}
	state, _ = ctrl.State(ctx)
	if state.Mode != store.ModeMaintenance {
		t.Fatalf("expected maintenance after drain, got %s", state.Mode)
	}
}
