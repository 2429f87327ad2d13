package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update matched no row because
	// the expected state changed underneath the caller.
	ErrConflict = errors.New("conflict: state changed")
	// ErrDuplicate is returned when an insert violated a uniqueness rule.
	ErrDuplicate = errors.New("duplicate row")
)

// ClaimRequest describes one poller claim pass.
type ClaimRequest struct {
	Limit int
	// ExcludeRunIDs are runs the poller already holds in flight; the claim
	// never returns them again even though they are still status=pending.
	ExcludeRunIDs []string
	Now           time.Time
}

// Store is the repository: every persistent read and write the orchestrator
// performs goes through it. PostgresStore is the durable backend; MemoryStore
// backs tests and single-node dev mode.
type Store interface {
	// Services & tasks
	UpsertService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
	ListTasksByService(ctx context.Context, serviceID string) ([]*Task, error)
	InsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	AppendTaskCodeHistory(ctx context.Context, h *TaskCodeHistory) error
	ListTaskCodeHistory(ctx context.Context, taskID string) ([]*TaskCodeHistory, error)
	// CancelPendingRunsForTask cancels every pending/waiting run of a task,
	// used when a registration orphans it.
	CancelPendingRunsForTask(ctx context.Context, taskID string, now time.Time) (int, error)

	// Pipelines
	UpsertPipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	ListPipelines(ctx context.Context) ([]*Pipeline, error)

	// Pipeline runs
	CreatePipelineRun(ctx context.Context, pr *PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error)
	// TransitionPipelineRun performs a guarded status update. It returns
	// ErrConflict when the run was not in any of the expected statuses.
	TransitionPipelineRun(ctx context.Context, id string, from []PipelineRunStatus, to PipelineRunStatus, errMsg string, completedAt *time.Time) error
	SetPipelineRunOutput(ctx context.Context, id string, outputPath string) error
	ListPipelineRuns(ctx context.Context, pipelineID string, limit int) ([]*PipelineRun, error)
	ListPipelineRunsCreatedBetween(ctx context.Context, from, to time.Time, pipelineID string) ([]*PipelineRun, error)

	// Task runs
	CreateTaskRun(ctx context.Context, tr *TaskRun) error
	GetTaskRun(ctx context.Context, id string) (*TaskRun, error)
	ListTaskRunsForPipelineRun(ctx context.Context, pipelineRunID string) ([]*TaskRun, error)
	// ClaimDueRuns selects dispatchable pending runs in priority order,
	// locking rows so concurrent pollers never double-claim, and enforcing
	// per-task concurrency caps at claim time.
	ClaimDueRuns(ctx context.Context, req ClaimRequest) ([]*TaskRun, error)
	// MarkTaskRunRunning guards pending -> running.
	MarkTaskRunRunning(ctx context.Context, id string, startedAt time.Time) error
	// PromoteWaitingTaskRun guards waiting -> pending and refreshes scheduledAt.
	PromoteWaitingTaskRun(ctx context.Context, id string, scheduledAt time.Time) error
	// CompleteTaskRun guards a transition from `from` into a terminal status.
	CompleteTaskRun(ctx context.Context, id string, from TaskRunStatus, c TaskRunCompletion) error
	// CancelTaskRunsForPipelineRun cancels every non-terminal run of a
	// pipeline run and returns the ids of runs that were `running` (their
	// workers learn via the heartbeat response).
	CancelTaskRunsForPipelineRun(ctx context.Context, pipelineRunID string, now time.Time) ([]string, error)
	// UpdateTaskRunHeartbeat refreshes heartbeatAt and merges progress
	// metadata; only applies while the run is `running`. Returns the current
	// status regardless, so callers can signal cancellation.
	UpdateTaskRunHeartbeat(ctx context.Context, id string, at time.Time, progress map[string]any) (TaskRunStatus, error)
	ListRunningTaskRuns(ctx context.Context) ([]*TaskRun, error)
	// ListPriorAttempts returns earlier attempts of the same logical task
	// execution, ordered by attempt.
	ListPriorAttempts(ctx context.Context, taskID, pipelineRunID, idempotencyKey string, beforeAttempt int) ([]*TaskRun, error)
	CountQueue(ctx context.Context) (QueueCounts, error)
	CountQueueByTask(ctx context.Context) ([]TaskQueueCount, error)
	OldestPendingSince(ctx context.Context) (*time.Time, error)
	AverageWaitMs(ctx context.Context, since time.Time) (float64, error)
	ListTaskRunsCreatedBetween(ctx context.Context, from, to time.Time, scope StatScope, scopeID string) ([]*TaskRun, error)
	CountBacklogAt(ctx context.Context, at time.Time, scope StatScope, scopeID string) (queued int, running int, err error)

	// Dead letter queue
	InsertDLQItem(ctx context.Context, item *DLQItem) error
	GetDLQItem(ctx context.Context, id string) (*DLQItem, error)
	ListDLQItems(ctx context.Context, f DLQFilter) ([]*DLQItem, error)
	MarkDLQRetried(ctx context.Context, id string, at time.Time) error
	PurgeDLQ(ctx context.Context, olderThan time.Time) (int, error)
	CountDLQBetween(ctx context.Context, from, to time.Time, scope StatScope, scopeID string) (int, error)

	// Idempotency cache (task outputs)
	GetCachedResult(ctx context.Context, key string, now time.Time) (*CachedResult, error)
	// PutCachedResult upserts; concurrent inserts of the same key keep one row.
	PutCachedResult(ctx context.Context, r *CachedResult) error
	DeleteExpiredCachedResults(ctx context.Context, now time.Time) (int, error)

	// Orchestrator state singleton
	GetOrchestratorState(ctx context.Context) (*OrchestratorState, error)
	// TransitionOrchestratorMode guards mode changes; ErrConflict when the
	// current mode is not `from`.
	TransitionOrchestratorMode(ctx context.Context, from, to OrchestratorMode, at time.Time) error
	UpdateOrchestratorCounts(ctx context.Context, pending, running int) error

	// Temp uploads
	CreateTempUpload(ctx context.Context, u *TempUpload) error
	GetTempUpload(ctx context.Context, id string) (*TempUpload, error)
	// ClaimTempUpload sets claimedByRunId iff it is still unclaimed.
	ClaimTempUpload(ctx context.Context, id, runID string) (bool, error)
	ListExpiredUnclaimedUploads(ctx context.Context, now time.Time, limit int) ([]*TempUpload, error)
	MarkTempUploadDeleted(ctx context.Context, id string, at time.Time) error
	DeleteArchivedTempUploads(ctx context.Context, deletedBefore time.Time) (int, error)

	// Statistics buckets
	GetStatBucket(ctx context.Context, scope StatScope, scopeID string, size BucketSize, ts time.Time) (*StatBucket, error)
	UpsertStatBucket(ctx context.Context, b *StatBucket) error
}
