package main

import (
	"context"
	"testing"
	"time"

	"github.com/saritra/pipeweave/orchestrator/objectstore"
	"github.com/saritra/pipeweave/orchestrator/store"
	"github.com/saritra/pipeweave/orchestrator/token"
)

// testEnv wires the core against in-memory backends.
type testEnv struct {
	store    *store.MemoryStore
	blobs    *objectstore.MemoryStore
	retrier  *Retrier
	executor *Executor
	minter   *token.Minter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMemoryStore()
	blobs := objectstore.NewMemoryStore()
	retrier := NewRetrier(s, nil)
	executor := NewExecutor(s, blobs, retrier, nil)
	minter, err := token.NewMinter([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("minter: %v", err)
	}
	return &testEnv{store: s, blobs: blobs, retrier: retrier, executor: executor, minter: minter}
}

func (env *testEnv) seedService(t *testing.T, id string) {
	t.Helper()
	err := env.store.UpsertService(context.Background(), &store.Service{
		ID:      id,
		Version: "1.0.0",
		BaseURL: "http://worker.internal:9000",
	})
	if err != nil {
		t.Fatalf("seed service %s: %v", id, err)
	}
}

// seedTask registers a task with sensible defaults, applying mutators.
func (env *testEnv) seedTask(t *testing.T, id string, allowedNext []string, mutate ...func(*store.Task)) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:                  id,
		ServiceID:           "svc-1",
		CodeHash:            "00deadbeef00cafe",
		CodeVersion:         1,
		AllowedNext:         allowedNext,
		TimeoutSeconds:      60,
		Retries:             0,
		RetryBackoff:        store.BackoffExponential,
		RetryDelayMs:        1000,
		MaxRetryDelayMs:     10000,
		HeartbeatIntervalMs: 1000,
		Priority:            5,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}
	for _, m := range mutate {
		m(task)
	}
	if err := env.store.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
	return task
}

func (env *testEnv) seedPipeline(t *testing.T, id string, entry []string) *store.Pipeline {
	t.Helper()
	p := &store.Pipeline{
		ID:              id,
		Name:            id,
		EntryTaskIDs:    entry,
		PipelineVersion: "v1",
	}
	if err := env.store.UpsertPipeline(context.Background(), p); err != nil {
		t.Fatalf("seed pipeline %s: %v", id, err)
	}
	return p
}

// runsByTask indexes a pipeline run's task runs, keeping the latest attempt.
func (env *testEnv) runsByTask(t *testing.T, prunID string) map[string]*store.TaskRun {
	t.Helper()
	runs, err := env.store.ListTaskRunsForPipelineRun(context.Background(), prunID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	latest := make(map[string]*store.TaskRun)
	for _, tr := range runs {
		if cur := latest[tr.TaskID]; cur == nil || tr.Attempt > cur.Attempt {
			latest[tr.TaskID] = tr
		}
	}
	return latest
}

// startRun drives a pending run into running, as the dispatcher would.
func (env *testEnv) startRun(t *testing.T, runID string) {
	t.Helper()
	if err := env.store.MarkTaskRunRunning(context.Background(), runID, time.Now()); err != nil {
		t.Fatalf("mark running %s: %v", runID, err)
	}
}

// completeRun drives a running run to success via the worker callback path.
func (env *testEnv) completeRun(t *testing.T, runID string, outputPath string, selectedNext []string) {
	t.Helper()
	err := env.executor.HandleCompletion(context.Background(), runID, CompletionPayload{
		Status:       "success",
		OutputPath:   outputPath,
		SelectedNext: selectedNext,
	})
	if err != nil {
		t.Fatalf("complete %s: %v", runID, err)
	}
}

// failRun drives a running run to failure via the worker callback path.
func (env *testEnv) failRun(t *testing.T, runID, errCode string) {
	t.Helper()
	err := env.executor.HandleCompletion(context.Background(), runID, CompletionPayload{
		Status:    "failed",
		Error:     "boom",
		ErrorCode: errCode,
	})
	if err != nil {
		t.Fatalf("fail %s: %v", runID, err)
	}
}

func (env *testEnv) pipelineRun(t *testing.T, id string) *store.PipelineRun {
	t.Helper()
	prun, err := env.store.GetPipelineRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get pipeline run %s: %v", id, err)
	}
	return prun
}
