package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of runs per queue status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pw_queue_depth",
		Help: "Current number of task runs per queue status",
	}, []string{"status"})

	// PollerClaims tracks runs claimed by the poller per pass.
	PollerClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pw_poller_claims_total",
		Help: "Total number of task runs claimed for dispatch",
	})

	// PollerLoopDuration tracks the duration of one poll pass.
	PollerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pw_poller_loop_duration_seconds",
		Help:    "Duration of one poller pass",
		Buckets: prometheus.DefBuckets,
	})

	// Dispatches tracks dispatch outcomes.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pw_dispatches_total",
		Help: "Total dispatch attempts by outcome",
	}, []string{"outcome"}) // accepted, rejected, network_error

	// TaskRunsCompleted tracks terminal task run statuses.
	TaskRunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pw_task_runs_completed_total",
		Help: "Task runs reaching a terminal status",
	}, []string{"status"})

	// TaskRuntimeSeconds tracks worker execution time.
	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pw_task_runtime_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	})

	// TaskWaitSeconds tracks queue wait time (overload early signal).
	TaskWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pw_task_wait_seconds",
		Help:    "Time task runs spend queued before dispatch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// Retries tracks retry attempts scheduled.
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pw_task_retries_total",
		Help: "Total number of retry attempts scheduled",
	})

	// DLQInserts tracks exhausted failures moved to the dead letter queue.
	DLQInserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pw_dlq_inserts_total",
		Help: "Total number of task runs moved to the DLQ",
	})

	// IdempotencyHits tracks cache hits that skipped a dispatch.
	IdempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pw_idempotency_hits_total",
		Help: "Task runs satisfied from the idempotency cache",
	})

	// HeartbeatTimeouts tracks runs marked timed out for missing heartbeats.
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pw_heartbeat_timeouts_total",
		Help: "Running task runs marked timeout after missed heartbeats",
	})

	// PipelineRunsCompleted tracks terminal pipeline statuses.
	PipelineRunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pw_pipeline_runs_completed_total",
		Help: "Pipeline runs reaching a terminal status",
	}, []string{"status"})

	// OrchestratorMode tracks the maintenance lifecycle state.
	OrchestratorMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pw_orchestrator_mode",
		Help: "Current orchestrator mode (1 = active)",
	}, []string{"mode"})

	// AdmissionRejections tracks requests rejected by the admission gate.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pw_admission_rejections_total",
		Help: "Trigger/queue requests rejected by admission control",
	}, []string{"reason"}) // maintenance, circuit_open, rate_limited

	// TempUploadsExpired tracks blobs removed by the cleanup sweep.
	TempUploadsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pw_temp_uploads_expired_total",
		Help: "Unclaimed temp uploads deleted after expiry",
	})

	// StatBucketBuilds tracks statistics bucket rebuilds.
	StatBucketBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pw_stat_bucket_builds_total",
		Help: "Statistics bucket builds by scope",
	}, []string{"scope"})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pw_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pw_event_publish_failures_total",
		Help: "Failed event publish attempts (best-effort)",
	}, []string{"event_type"})
)
