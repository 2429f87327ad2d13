package main

import (
	"context"
	"testing"
	"time"

	"github.com/saritra/pipeweave/orchestrator/store"
)

func TestRetryDelayLaws(t *testing.T) {
	cases := []struct {
		attempt int
		backoff string
		base    int64
		max     int64
		want    time.Duration
	}{
		{1, store.BackoffFixed, 1000, 10000, time.Second},
		{3, store.BackoffFixed, 1000, 10000, time.Second},
		{1, store.BackoffExponential, 1000, 10000, time.Second},
		{2, store.BackoffExponential, 1000, 10000, 2 * time.Second},
		{3, store.BackoffExponential, 1000, 10000, 4 * time.Second},
		{5, store.BackoffExponential, 1000, 10000, 10 * time.Second}, // capped
		{10, store.BackoffExponential, 1000, 10000, 10 * time.Second},
		{2, store.BackoffFixed, 20000, 10000, 10 * time.Second}, // fixed also capped
	}
	for _, tc := range cases {
		got := RetryDelay(tc.attempt, tc.backoff, tc.base, tc.max)
		if got != tc.want {
			t.Errorf("RetryDelay(%d, %s, %d, %d) = %v, want %v", tc.attempt, tc.backoff, tc.base, tc.max, got, tc.want)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.Retries = 3
		task.RetryBackoff = store.BackoffExponential
		task.RetryDelayMs = 1000
		task.MaxRetryDelayMs = 10000
	})
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// Attempt 1 fails.
	runs := env.runsByTask(t, result.PipelineRunID)
	first := runs["A"]
	env.startRun(t, first.ID)
	before := time.Now()
	env.failRun(t, first.ID, store.ErrCodeNetworkError)

	runs = env.runsByTask(t, result.PipelineRunID)
	second := runs["A"]
	if second.Attempt != 2 || second.Status != store.TaskRunPending {
		t.Fatalf("expected pending attempt 2, got attempt %d status %s", second.Attempt, second.Status)
	}
	if delay := second.ScheduledAt.Sub(before); delay < time.Second {
		t.Fatalf("attempt 2 must be delayed >= 1s, got %v", delay)
	}

	// Attempt 2 fails.
	env.startRun(t, second.ID)
	before = time.Now()
	env.failRun(t, second.ID, store.ErrCodeNetworkError)

	runs = env.runsByTask(t, result.PipelineRunID)
	third := runs["A"]
	if third.Attempt != 3 {
		t.Fatalf("expected attempt 3, got %d", third.Attempt)
	}
	if delay := third.ScheduledAt.Sub(before); delay < 2*time.Second {
		t.Fatalf("attempt 3 must be delayed >= 2s, got %v", delay)
	}

	// Attempt 3 succeeds.
	env.startRun(t, third.ID)
	env.completeRun(t, third.ID, "out/a.json", nil)

	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["A"].Status != store.TaskRunCompleted || runs["A"].Attempt != 3 {
		t.Fatalf("expected completed attempt 3, got %s attempt %d", runs["A"].Status, runs["A"].Attempt)
	}

	// No DLQ entry.
	items, _ := env.store.ListDLQItems(context.Background(), store.DLQFilter{TaskID: "A"})
	if len(items) != 0 {
		t.Fatalf("expected no DLQ items, got %d", len(items))
	}

	// The old rows stay terminal.
	all, _ := env.store.ListTaskRunsForPipelineRun(context.Background(), result.PipelineRunID)
	if len(all) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(all))
	}
	for _, tr := range all {
		if tr.Attempt < 3 && tr.Status != store.TaskRunFailed {
			t.Errorf("attempt %d must stay failed, got %s", tr.Attempt, tr.Status)
		}
		if tr.Status.Terminal() && tr.CompletedAt == nil {
			t.Errorf("terminal attempt %d missing completedAt", tr.Attempt)
		}
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.Retries = 2
		task.RetryDelayMs = 1
		task.MaxRetryDelayMs = 1
	})
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		runs := env.runsByTask(t, result.PipelineRunID)
		run := runs["A"]
		if run.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, run.Attempt)
		}
		env.startRun(t, run.ID)
		env.failRun(t, run.ID, store.ErrCodeNetworkError)
	}

	all, _ := env.store.ListTaskRunsForPipelineRun(context.Background(), result.PipelineRunID)
	if len(all) != 3 {
		t.Fatalf("expected 3 failed attempts, got %d", len(all))
	}
	for _, tr := range all {
		if tr.Status != store.TaskRunFailed {
			t.Errorf("attempt %d: expected failed, got %s", tr.Attempt, tr.Status)
		}
	}

	items, _ := env.store.ListDLQItems(context.Background(), store.DLQFilter{TaskID: "A"})
	if len(items) != 1 {
		t.Fatalf("expected exactly 1 DLQ item, got %d", len(items))
	}
	if items[0].Attempts != 3 {
		t.Fatalf("DLQ attempts must equal maxRetries+1 = 3, got %d", items[0].Attempts)
	}
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.Retries = 5
	})
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	env.failRun(t, runs["A"].ID, "FATAL_BAD_CONFIG")

	// Straight to DLQ despite remaining retries.
	items, _ := env.store.ListDLQItems(context.Background(), store.DLQFilter{TaskID: "A"})
	if len(items) != 1 {
		t.Fatalf("expected DLQ item for fatal error, got %d", len(items))
	}
	all, _ := env.store.ListTaskRunsForPipelineRun(context.Background(), result.PipelineRunID)
	if len(all) != 1 {
		t.Fatalf("no retry rows expected after fatal error, got %d", len(all))
	}
}

func TestFatalPrefixConfigurablePerTask(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "svc-1")
	env.seedTask(t, "A", nil, func(task *store.Task) {
		task.Retries = 2
		task.RetryDelayMs = 1
		task.FatalErrorPrefixes = []string{"NOPE_"}
	})
	env.seedPipeline(t, "P", []string{"A"})

	result, err := env.executor.TriggerPipeline(context.Background(), TriggerRequest{PipelineID: "P", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runs := env.runsByTask(t, result.PipelineRunID)
	env.startRun(t, runs["A"].ID)
	// FATAL_ is retryable for this task; its own prefix is not.
	env.failRun(t, runs["A"].ID, "FATAL_SOMETHING")

	runs = env.runsByTask(t, result.PipelineRunID)
	if runs["A"].Attempt != 2 {
		t.Fatalf("custom prefixes replace the default; expected retry, got attempt %d", runs["A"].Attempt)
	}

	env.startRun(t, runs["A"].ID)
	env.failRun(t, runs["A"].ID, "NOPE_REALLY")
	items, _ := env.store.ListDLQItems(context.Background(), store.DLQFilter{TaskID: "A"})
	if len(items) != 1 {
		t.Fatalf("expected DLQ insert on configured prefix, got %d items", len(items))
	}
}

func TestDLQReplay(t *testing.T) {
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
	env.failRun(t, runs["A"].ID, store.ErrCodeNetworkError)

	items, _ := env.store.ListDLQItems(context.Background(), store.DLQFilter{TaskID: "A"})
	if len(items) != 1 {
		t.Fatalf("expected DLQ item, got %d", len(items))
	}

	replay, err := env.retrier.Replay(context.Background(), items[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Attempt != 1 || replay.Status != store.TaskRunPending {
		t.Fatalf("replay must be a fresh attempt-1 pending run, got attempt %d status %s", replay.Attempt, replay.Status)
	}
	if replay.InputPath != items[0].InputPath {
		t.Fatal("replay must preserve inputPath")
	}

	item, _ := env.store.GetDLQItem(context.Background(), items[0].ID)
	if item.RetriedAt == nil {
		t.Fatal("retriedAt must be stamped after replay")
	}
}

func TestDLQPurge(t *testing.T) {
	env := newTestEnv(t)
	old := &store.DLQItem{
		ID:       store.NewID(store.DLQPrefix),
		TaskID:   "A",
		Attempts: 1,
		FailedAt: time.Now().Add(-30 * 24 * time.Hour),
	}
	fresh := &store.DLQItem{
		ID:       store.NewID(store.DLQPrefix),
		TaskID:   "A",
		Attempts: 1,
		FailedAt: time.Now(),
	}
	ctx := context.Background()
	if err := env.store.InsertDLQItem(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := env.store.InsertDLQItem(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := env.retrier.Purge(ctx, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := env.store.GetDLQItem(ctx, fresh.ID); err != nil {
		t.Fatal("fresh item must survive purge")
	}
}
