package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedRun(t *testing.T, s *MemoryStore, id, taskID string, status TaskRunStatus, priority int, scheduledAt time.Time) *TaskRun {
	t.Helper()
	now := time.Now()
	tr := &TaskRun{
		ID:          id,
		TaskID:      taskID,
		Status:      status,
		Attempt:     1,
		Priority:    priority,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status == TaskRunRunning {
		tr.StartedAt = &now
	}
	if err := s.CreateTaskRun(context.Background(), tr); err != nil {
		t.Fatalf("seed run %s: %v", id, err)
	}
	return tr
}

func TestClaimDueRunsOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedRun(t, s, "r-low", "A", TaskRunPending, 9, now.Add(-time.Minute))
	seedRun(t, s, "r-high", "A", TaskRunPending, 0, now.Add(-time.Second))
	seedRun(t, s, "r-future", "A", TaskRunPending, 0, now.Add(time.Hour))
	seedRun(t, s, "r-waiting", "A", TaskRunWaiting, 0, now.Add(-time.Hour))

	claimed, err := s.ClaimDueRuns(ctx, ClaimRequest{Limit: 10, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimable runs, got %d", len(claimed))
	}
	if claimed[0].ID != "r-high" || claimed[1].ID != "r-low" {
		t.Fatalf("priority ordering wrong: %s, %s", claimed[0].ID, claimed[1].ID)
	}
}

func TestClaimDueRunsExcludesInflight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seedRun(t, s, "r1", "A", TaskRunPending, 5, now.Add(-time.Second))

	claimed, err := s.ClaimDueRuns(ctx, ClaimRequest{Limit: 10, ExcludeRunIDs: []string{"r1"}, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("excluded run must not be returned, got %d", len(claimed))
	}
}

func TestClaimDueRunsPerTaskCap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertTask(ctx, &Task{ID: "A", ServiceID: "svc", CodeHash: "0000000000000000", Concurrency: 2}); err != nil {
		t.Fatal(err)
	}
	seedRun(t, s, "running-1", "A", TaskRunRunning, 5, now.Add(-time.Minute))
	seedRun(t, s, "p1", "A", TaskRunPending, 5, now.Add(-3*time.Second))
	seedRun(t, s, "p2", "A", TaskRunPending, 5, now.Add(-2*time.Second))
	seedRun(t, s, "p3", "A", TaskRunPending, 5, now.Add(-time.Second))

	claimed, err := s.ClaimDueRuns(ctx, ClaimRequest{Limit: 10, Now: now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// One slot already running, cap 2: exactly one claimable.
	if len(claimed) != 1 || claimed[0].ID != "p1" {
		t.Fatalf("expected [p1], got %+v", claimed)
	}
}

func TestUniqueAttemptPerPipelineTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	first := &TaskRun{ID: "r1", TaskID: "A", PipelineRunID: "prun_1", Status: TaskRunPending, Attempt: 1, ScheduledAt: now, CreatedAt: now}
	dup := &TaskRun{ID: "r2", TaskID: "A", PipelineRunID: "prun_1", Status: TaskRunPending, Attempt: 1, ScheduledAt: now, CreatedAt: now}
	if err := s.CreateTaskRun(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTaskRun(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same (prun, task, attempt), got %v", err)
	}

	// Standalone runs are not constrained against each other.
	s1 := &TaskRun{ID: "s1", TaskID: "A", Status: TaskRunPending, Attempt: 1, ScheduledAt: now, CreatedAt: now}
	s2 := &TaskRun{ID: "s2", TaskID: "A", Status: TaskRunPending, Attempt: 1, ScheduledAt: now, CreatedAt: now}
	if err := s.CreateTaskRun(ctx, s1); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTaskRun(ctx, s2); err != nil {
		t.Fatalf("standalone attempt collision must be allowed, got %v", err)
	}
}

func TestGuardedTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seedRun(t, s, "r1", "A", TaskRunPending, 5, now)

	if err := s.MarkTaskRunRunning(ctx, "r1", now); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	// Double start is a conflict.
	if err := s.MarkTaskRunRunning(ctx, "r1", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on double start, got %v", err)
	}

	done := TaskRunCompletion{Status: TaskRunCompleted, OutputPath: "p", CompletedAt: now}
	if err := s.CompleteTaskRun(ctx, "r1", TaskRunRunning, done); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	// Duplicate completion is a conflict, state unchanged.
	other := TaskRunCompletion{Status: TaskRunFailed, Error: "late", CompletedAt: now}
	if err := s.CompleteTaskRun(ctx, "r1", TaskRunRunning, other); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate completion, got %v", err)
	}
	run, _ := s.GetTaskRun(ctx, "r1")
	if run.Status != TaskRunCompleted || run.OutputPath != "p" {
		t.Fatalf("state must be unchanged after rejected transition: %+v", run)
	}
	if run.CompletedAt == nil {
		t.Fatal("terminal run must carry completedAt")
	}
}

func TestPromoteWaitingRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seedRun(t, s, "w1", "A", TaskRunWaiting, 5, now)

	if err := s.PromoteWaitingTaskRun(ctx, "w1", now); err != nil {
		t.Fatalf("waiting -> pending: %v", err)
	}
	run, _ := s.GetTaskRun(ctx, "w1")
	if run.Status != TaskRunPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}
	if err := s.PromoteWaitingTaskRun(ctx, "w1", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on double promote, got %v", err)
	}
}

func TestCancelPipelineRunsReportsRunning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	pending := &TaskRun{ID: "p", TaskID: "A", PipelineRunID: "prun_1", Status: TaskRunPending, Attempt: 1, CreatedAt: now, ScheduledAt: now}
	running := &TaskRun{ID: "r", TaskID: "B", PipelineRunID: "prun_1", Status: TaskRunRunning, Attempt: 1, CreatedAt: now, ScheduledAt: now, StartedAt: &now}
	done := &TaskRun{ID: "d", TaskID: "C", PipelineRunID: "prun_1", Status: TaskRunCompleted, Attempt: 1, CreatedAt: now, ScheduledAt: now, CompletedAt: &now}
	for _, tr := range []*TaskRun{pending, running, done} {
		if err := s.CreateTaskRun(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	wasRunning, err := s.CancelTaskRunsForPipelineRun(ctx, "prun_1", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(wasRunning) != 1 || wasRunning[0] != "r" {
		t.Fatalf("expected [r] was running, got %v", wasRunning)
	}
	for _, id := range []string{"p", "r"} {
		tr, _ := s.GetTaskRun(ctx, id)
		if tr.Status != TaskRunCancelled || tr.CompletedAt == nil {
			t.Fatalf("%s: expected cancelled with completedAt, got %+v", id, tr)
		}
	}
	tr, _ := s.GetTaskRun(ctx, "d")
	if tr.Status != TaskRunCompleted {
		t.Fatal("terminal runs must not be touched by cancellation")
	}
}

func TestCachedResultTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	r := &CachedResult{
		Key:        "k",
		TaskID:     "A",
		OutputPath: "p",
		InsertedAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}
	if err := s.PutCachedResult(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCachedResult(ctx, "k", now.Add(30*time.Minute)); err != nil {
		t.Fatalf("expected hit before expiry: %v", err)
	}
	if _, err := s.GetCachedResult(ctx, "k", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
}

func TestOrchestratorModeGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	state, err := s.GetOrchestratorState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Mode != ModeRunning {
		t.Fatalf("singleton must seed as running, got %s", state.Mode)
	}

	// Direct running -> maintenance is forbidden by the guard.
	if err := s.TransitionOrchestratorMode(ctx, ModeWaitingForMaintenance, ModeMaintenance, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.TransitionOrchestratorMode(ctx, ModeRunning, ModeWaitingForMaintenance, now); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionOrchestratorMode(ctx, ModeWaitingForMaintenance, ModeMaintenance, now); err != nil {
		t.Fatal(err)
	}
	state, _ = s.GetOrchestratorState(ctx)
	if state.Mode != ModeMaintenance {
		t.Fatalf("expected maintenance, got %s", state.Mode)
	}
}

func TestCountBacklogAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	started := base.Add(10 * time.Minute)
	finished := base.Add(20 * time.Minute)
	done := &TaskRun{ID: "d", TaskID: "A", Status: TaskRunCompleted, Attempt: 1, CreatedAt: base, ScheduledAt: base, StartedAt: &started, CompletedAt: &finished}
	running := &TaskRun{ID: "r", TaskID: "A", Status: TaskRunRunning, Attempt: 1, CreatedAt: base, ScheduledAt: base, StartedAt: &started}
	queued := &TaskRun{ID: "q", TaskID: "A", Status: TaskRunPending, Attempt: 1, CreatedAt: base, ScheduledAt: base}
	for _, tr := range []*TaskRun{done, running, queued} {
		if err := s.CreateTaskRun(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	// At base+15m: "d" and "r" are running, "q" queued.
	qn, rn, err := s.CountBacklogAt(ctx, base.Add(15*time.Minute), ScopeSystem, "")
	if err != nil {
		t.Fatal(err)
	}
	if qn != 1 || rn != 2 {
		t.Fatalf("at +15m expected 1 queued / 2 running, got %d/%d", qn, rn)
	}

	// At base+30m: "d" finished.
	qn, rn, err = s.CountBacklogAt(ctx, base.Add(30*time.Minute), ScopeSystem, "")
	if err != nil {
		t.Fatal(err)
	}
	if qn != 1 || rn != 1 {
		t.Fatalf("at +30m expected 1 queued / 1 running, got %d/%d", qn, rn)
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID(TaskRunPrefix)
	if len(id) != len(TaskRunPrefix)+1+20 {
		t.Fatalf("unexpected id length: %q", id)
	}
	if id[:5] != "trun_" {
		t.Fatalf("expected trun_ prefix, got %q", id)
	}
	if id == NewID(TaskRunPrefix) {
		t.Fatal("ids must not collide")
	}
}
