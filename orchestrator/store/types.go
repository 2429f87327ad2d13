package store

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/saritra/pipeweave/orchestrator/schema"
)

// TaskRunStatus enumerates the lifecycle of a single task attempt.
type TaskRunStatus string

const (
	TaskRunPending   TaskRunStatus = "pending"
	TaskRunWaiting   TaskRunStatus = "waiting"
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
	TaskRunTimeout   TaskRunStatus = "timeout"
	TaskRunCancelled TaskRunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s TaskRunStatus) Terminal() bool {
	switch s {
	case TaskRunCompleted, TaskRunFailed, TaskRunTimeout, TaskRunCancelled:
		return true
	}
	return false
}

// PipelineRunStatus enumerates the lifecycle of a pipeline execution.
type PipelineRunStatus string

const (
	PipelineRunPending   PipelineRunStatus = "pending"
	PipelineRunRunning   PipelineRunStatus = "running"
	PipelineRunCompleted PipelineRunStatus = "completed"
	PipelineRunFailed    PipelineRunStatus = "failed"
	PipelineRunCancelled PipelineRunStatus = "cancelled"
	PipelineRunPartial   PipelineRunStatus = "partial"
)

// Terminal reports whether the status admits no further transition.
func (s PipelineRunStatus) Terminal() bool {
	switch s {
	case PipelineRunCompleted, PipelineRunFailed, PipelineRunCancelled, PipelineRunPartial:
		return true
	}
	return false
}

// FailureMode controls how a pipeline reacts to an exhausted task failure.
type FailureMode string

const (
	FailFast     FailureMode = "fail-fast"
	ContinueMode FailureMode = "continue"
	PartialMerge FailureMode = "partial-merge"
)

// Backoff strategies for retry delay computation.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// OrchestratorMode is the three-state maintenance lifecycle.
type OrchestratorMode string

const (
	ModeRunning               OrchestratorMode = "running"
	ModeWaitingForMaintenance OrchestratorMode = "waiting_for_maintenance"
	ModeMaintenance           OrchestratorMode = "maintenance"
)

// Reserved error codes stored verbatim on failed runs.
const (
	ErrCodeDispatchFailed   = "DISPATCH_FAILED"
	ErrCodeHeartbeatTimeout = "HEARTBEAT_TIMEOUT"
	ErrCodeInvalidNextTasks = "INVALID_NEXT_TASKS"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeNetworkError     = "NETWORK_ERROR"
	ErrCodeTimeout          = "TIMEOUT"
)

// Service represents a registered worker instance.
type Service struct {
	ID           string    `json:"id" db:"id"`
	Version      string    `json:"version" db:"version"`
	BaseURL      string    `json:"base_url" db:"base_url"`
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Task is a logical unit of work registered by a service.
type Task struct {
	ID                  string              `json:"id" db:"id"`
	ServiceID           string              `json:"service_id" db:"service_id"`
	CodeHash            string              `json:"code_hash" db:"code_hash"` // 16 hex chars
	CodeVersion         int                 `json:"code_version" db:"code_version"`
	AllowedNext         []string            `json:"allowed_next" db:"allowed_next"`
	TimeoutSeconds      int                 `json:"timeout_seconds" db:"timeout_seconds"`
	Retries             int                 `json:"retries" db:"retries"`
	RetryBackoff        string              `json:"retry_backoff" db:"retry_backoff"` // fixed | exponential
	RetryDelayMs        int64               `json:"retry_delay_ms" db:"retry_delay_ms"`
	MaxRetryDelayMs     int64               `json:"max_retry_delay_ms" db:"max_retry_delay_ms"`
	HeartbeatIntervalMs int64               `json:"heartbeat_interval_ms" db:"heartbeat_interval_ms"`
	Concurrency         int                 `json:"concurrency" db:"concurrency"` // 0 = unlimited
	Priority            int                 `json:"priority" db:"priority"`       // lower = earlier
	IdempotencyTTLSec   int64               `json:"idempotency_ttl_seconds" db:"idempotency_ttl_seconds"`
	InputSchema         *schema.InputSchema `json:"input_schema,omitempty" db:"input_schema"`
	// FatalErrorPrefixes lists errorCode prefixes that skip retries and go
	// straight to the DLQ. Defaults to ["FATAL_"].
	FatalErrorPrefixes []string  `json:"fatal_error_prefixes" db:"fatal_error_prefixes"`
	Description        string    `json:"description" db:"description"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// IsFatalCode reports whether the worker-reported error code matches one of
// the task's non-retryable prefixes.
func (t *Task) IsFatalCode(code string) bool {
	prefixes := t.FatalErrorPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"FATAL_"}
	}
	for _, p := range prefixes {
		if p != "" && len(code) >= len(p) && code[:len(p)] == p {
			return true
		}
	}
	return false
}

// TaskCodeHistory is the append-only record of code hash changes.
type TaskCodeHistory struct {
	TaskID         string    `json:"task_id" db:"task_id"`
	CodeVersion    int       `json:"code_version" db:"code_version"`
	CodeHash       string    `json:"code_hash" db:"code_hash"`
	ServiceVersion string    `json:"service_version" db:"service_version"`
	RecordedAt     time.Time `json:"recorded_at" db:"recorded_at"`
}

// Pipeline is a named DAG of tasks.
type Pipeline struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	EntryTaskIDs    []string  `json:"entry_task_ids" db:"entry_task_ids"`
	PipelineVersion string    `json:"pipeline_version" db:"pipeline_version"`
	Description     string    `json:"description" db:"description"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SnapshotNode is one task's edges inside a frozen pipeline structure.
type SnapshotNode struct {
	AllowedNext []string `json:"allowed_next"`
}

// StructureSnapshot maps taskId to its edges, frozen at trigger time.
type StructureSnapshot map[string]SnapshotNode

// Predecessors returns the task ids whose allowedNext contains taskID.
func (s StructureSnapshot) Predecessors(taskID string) []string {
	var preds []string
	for id, node := range s {
		for _, next := range node.AllowedNext {
			if next == taskID {
				preds = append(preds, id)
				break
			}
		}
	}
	return preds
}

// PipelineRun is one execution of a pipeline.
type PipelineRun struct {
	ID              string            `json:"id" db:"id"`
	PipelineID      string            `json:"pipeline_id" db:"pipeline_id"`
	Status          PipelineRunStatus `json:"status" db:"status"`
	FailureMode     FailureMode       `json:"failure_mode" db:"failure_mode"`
	InputPath       string            `json:"input_path" db:"input_path"`
	OutputPath      string            `json:"output_path,omitempty" db:"output_path"`
	Structure       StructureSnapshot `json:"structure" db:"structure"`
	PipelineVersion string            `json:"pipeline_version" db:"pipeline_version"`
	Error           string            `json:"error,omitempty" db:"error"`
	Metadata        map[string]any    `json:"metadata,omitempty" db:"metadata"`
	StartedAt       *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// AssetRef points at one named artifact a task produced.
type AssetRef struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type,omitempty"`
}

// TaskRun is one attempt at executing a task.
type TaskRun struct {
	ID             string              `json:"id" db:"id"`
	TaskID         string              `json:"task_id" db:"task_id"`
	PipelineRunID  string              `json:"pipeline_run_id,omitempty" db:"pipeline_run_id"` // empty for standalone
	ServiceID      string              `json:"service_id" db:"service_id"`
	Status         TaskRunStatus       `json:"status" db:"status"`
	CodeVersion    int                 `json:"code_version" db:"code_version"`
	CodeHash       string              `json:"code_hash" db:"code_hash"`
	Attempt        int                 `json:"attempt" db:"attempt"`
	MaxRetries     int                 `json:"max_retries" db:"max_retries"`
	Priority       int                 `json:"priority" db:"priority"`
	InputPath      string              `json:"input_path" db:"input_path"`
	OutputPath     string              `json:"output_path,omitempty" db:"output_path"`
	OutputSize     *int64              `json:"output_size,omitempty" db:"output_size"`
	Assets         map[string]AssetRef `json:"assets,omitempty" db:"assets"`
	LogsPath       string              `json:"logs_path,omitempty" db:"logs_path"`
	Error          string              `json:"error,omitempty" db:"error"`
	ErrorCode      string              `json:"error_code,omitempty" db:"error_code"`
	IdempotencyKey string              `json:"idempotency_key,omitempty" db:"idempotency_key"`
	ScheduledAt    time.Time           `json:"scheduled_at" db:"scheduled_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
	HeartbeatAt    *time.Time          `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	SelectedNext   []string            `json:"selected_next,omitempty" db:"selected_next"`
	Metadata       map[string]any      `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" db:"updated_at"`
}

// TaskRunCompletion carries the fields written when a run reaches a terminal
// status via the completion callback (or the timeout monitor).
type TaskRunCompletion struct {
	Status       TaskRunStatus
	OutputPath   string
	OutputSize   *int64
	Assets       map[string]AssetRef
	LogsPath     string
	SelectedNext []string
	Error        string
	ErrorCode    string
	CompletedAt  time.Time
}

// DLQItem preserves an exhausted failure for inspection and manual replay.
type DLQItem struct {
	ID            string     `json:"id" db:"id"`
	TaskRunID     string     `json:"task_run_id" db:"task_run_id"`
	TaskID        string     `json:"task_id" db:"task_id"`
	PipelineRunID string     `json:"pipeline_run_id,omitempty" db:"pipeline_run_id"`
	CodeVersion   int        `json:"code_version" db:"code_version"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	Error         string     `json:"error" db:"error"`
	ErrorCode     string     `json:"error_code,omitempty" db:"error_code"`
	Attempts      int        `json:"attempts" db:"attempts"`
	InputPath     string     `json:"input_path" db:"input_path"`
	FailedAt      time.Time  `json:"failed_at" db:"failed_at"`
	RetriedAt     *time.Time `json:"retried_at,omitempty" db:"retried_at"`
}

// DLQFilter narrows DLQ listings.
type DLQFilter struct {
	TaskID        string
	PipelineID    string
	PipelineRunID string
	From          *time.Time
	To            *time.Time
	Limit         int
}

// CachedResult is one entry in the task-output idempotency cache.
// Key is SHA-256(taskId + ":" + userKey), hex encoded.
type CachedResult struct {
	Key              string              `json:"key" db:"key"`
	TaskID           string              `json:"task_id" db:"task_id"`
	CodeVersion      int                 `json:"code_version" db:"code_version"`
	OutputPath       string              `json:"output_path" db:"output_path"`
	OutputSize       *int64              `json:"output_size,omitempty" db:"output_size"`
	Assets           map[string]AssetRef `json:"assets,omitempty" db:"assets"`
	OriginatingRunID string              `json:"originating_run_id" db:"originating_run_id"`
	InsertedAt       time.Time           `json:"inserted_at" db:"inserted_at"`
	ExpiresAt        time.Time           `json:"expires_at" db:"expires_at"`
}

// OrchestratorState is the process-wide singleton row.
type OrchestratorState struct {
	Mode              OrchestratorMode `json:"mode" db:"mode"`
	ModeChangedAt     time.Time        `json:"mode_changed_at" db:"mode_changed_at"`
	PendingTasksCount int              `json:"pending_tasks_count" db:"pending_tasks_count"`
	RunningTasksCount int              `json:"running_tasks_count" db:"running_tasks_count"`
	Metadata          map[string]any   `json:"metadata,omitempty" db:"metadata"`
}

// TempUpload tracks a blob uploaded ahead of a trigger, claimed by the first
// dispatch whose input references it.
type TempUpload struct {
	ID               string     `json:"id" db:"id"`
	StoragePath      string     `json:"storage_path" db:"storage_path"`
	StorageBackendID string     `json:"storage_backend_id" db:"storage_backend_id"`
	OriginalFilename string     `json:"original_filename" db:"original_filename"`
	MimeType         string     `json:"mime_type" db:"mime_type"`
	Size             int64      `json:"size" db:"size"`
	UploadedAt       time.Time  `json:"uploaded_at" db:"uploaded_at"`
	ExpiresAt        time.Time  `json:"expires_at" db:"expires_at"`
	ClaimedByRunID   string     `json:"claimed_by_run_id,omitempty" db:"claimed_by_run_id"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// QueueCounts is the realtime depth of the run queue.
type QueueCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// TaskQueueCount is the per-task breakdown of queue depth.
type TaskQueueCount struct {
	TaskID        string     `json:"task_id"`
	Pending       int        `json:"pending"`
	Running       int        `json:"running"`
	Waiting       int        `json:"waiting"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// StatScope is the axis a statistics bucket aggregates over.
type StatScope string

const (
	ScopeSystem   StatScope = "system"
	ScopeService  StatScope = "service"
	ScopeTask     StatScope = "task"
	ScopePipeline StatScope = "pipeline"
)

// BucketSize is the bucket width for statistics queries.
type BucketSize string

const (
	Bucket1m BucketSize = "1m"
	Bucket1h BucketSize = "1h"
	Bucket1d BucketSize = "1d"
)

// Duration returns the bucket width as a time.Duration.
func (b BucketSize) Duration() time.Duration {
	switch b {
	case Bucket1m:
		return time.Minute
	case Bucket1h:
		return time.Hour
	case Bucket1d:
		return 24 * time.Hour
	}
	return time.Hour
}

// StatBucket is one persisted aggregation row.
type StatBucket struct {
	BucketTimestamp time.Time  `json:"bucket_timestamp" db:"bucket_timestamp"`
	BucketSize      BucketSize `json:"bucket_size" db:"bucket_size"`
	Scope           StatScope  `json:"scope" db:"scope"`
	ScopeID         string     `json:"scope_id,omitempty" db:"scope_id"`

	TasksCreated   int `json:"tasks_created" db:"tasks_created"`
	TasksCompleted int `json:"tasks_completed" db:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed" db:"tasks_failed"`
	TasksTimedOut  int `json:"tasks_timed_out" db:"tasks_timed_out"`
	TasksCancelled int `json:"tasks_cancelled" db:"tasks_cancelled"`
	TaskRetries    int `json:"task_retries" db:"task_retries"`
	RetrySuccesses int `json:"retry_successes" db:"retry_successes"`

	PipelinesCreated   int `json:"pipelines_created" db:"pipelines_created"`
	PipelinesCompleted int `json:"pipelines_completed" db:"pipelines_completed"`
	PipelinesFailed    int `json:"pipelines_failed" db:"pipelines_failed"`
	PipelinesPartial   int `json:"pipelines_partial" db:"pipelines_partial"`

	RuntimeSumMs float64 `json:"runtime_sum_ms" db:"runtime_sum_ms"`
	RuntimeMinMs float64 `json:"runtime_min_ms" db:"runtime_min_ms"`
	RuntimeMaxMs float64 `json:"runtime_max_ms" db:"runtime_max_ms"`
	RuntimeCount int     `json:"runtime_count" db:"runtime_count"`
	WaitSumMs    float64 `json:"wait_sum_ms" db:"wait_sum_ms"`
	WaitCount    int     `json:"wait_count" db:"wait_count"`

	// Serialized T-digest centroid lists (base64 in JSON).
	RuntimeDigest []byte `json:"runtime_digest,omitempty" db:"runtime_digest"`
	WaitDigest    []byte `json:"wait_digest,omitempty" db:"wait_digest"`

	ErrorsByCode map[string]int `json:"errors_by_code,omitempty" db:"errors_by_code"`

	QueuedAtEnd  int `json:"queued_at_end" db:"queued_at_end"`
	RunningAtEnd int `json:"running_at_end" db:"running_at_end"`
	DLQAdded     int `json:"dlq_added" db:"dlq_added"`

	IsComplete  bool      `json:"is_complete" db:"is_complete"`
	LastBuiltAt time.Time `json:"last_built_at" db:"last_built_at"`
}

// ID prefixes for the entities the orchestrator mints ids for.
const (
	PipelineRunPrefix = "prun"
	TaskRunPrefix     = "trun"
	DLQPrefix         = "dlq"
	TempUploadPrefix  = "tmp"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a prefixed random identifier, e.g. "trun_8f0c2...".
func NewID(prefix string) string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back to hex of
		// whatever we got rather than panicking mid-dispatch.
		return prefix + "_" + hex.EncodeToString(b)
	}
	for i := range b {
		b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
	}
	return prefix + "_" + string(b)
}
