// Package stats builds, persists, and serves the bucketed time series the
// orchestrator exposes: status counts, runtimes, wait times, retries, queue
// depth snapshots, and T-digest percentiles.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/store"
)

// rebuildAfter is how stale the current (trailing) bucket may get before a
// query rebuilds it.
const rebuildAfter = 60 * time.Second

// maxBucketsPerQuery caps the range a single query may expand to.
const maxBucketsPerQuery = 1000

// Request describes one statistics query.
type Request struct {
	Scope   store.StatScope
	ScopeID string
	From    time.Time
	To      time.Time
	Bucket  store.BucketSize
}

// Percentiles computed from a digest at query time.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// BucketView is one bucket with percentiles resolved.
type BucketView struct {
	store.StatBucket
	RuntimePercentilesMs Percentiles `json:"runtime_percentiles_ms"`
	WaitPercentilesMs    Percentiles `json:"wait_percentiles_ms"`
}

// Summary accumulates across the queried buckets, weighted by count.
type Summary struct {
	TasksCreated   int     `json:"tasks_created"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	TasksTimedOut  int     `json:"tasks_timed_out"`
	TasksCancelled int     `json:"tasks_cancelled"`
	TaskRetries    int     `json:"task_retries"`
	RetrySuccesses int     `json:"retry_successes"`
	DLQAdded       int     `json:"dlq_added"`
	SuccessRate    float64 `json:"success_rate"`
	AvgRuntimeMs   float64 `json:"avg_runtime_ms"`
	AvgWaitMs      float64 `json:"avg_wait_ms"`
}

// Response is the query result.
type Response struct {
	Buckets []BucketView `json:"buckets"`
	Summary Summary      `json:"summary"`
}

// RealtimeQueueStats is the live view of the run queue.
type RealtimeQueueStats struct {
	Totals        store.QueueCounts      `json:"totals"`
	PerTask       []store.TaskQueueCount `json:"per_task"`
	OldestPending *time.Time             `json:"oldest_pending,omitempty"`
	AvgWaitMsHour float64                `json:"avg_wait_ms_last_hour"`
}

// Aggregator builds and serves statistics buckets.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates an Aggregator.
func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Query returns the bucket series for [From, To], rebuilding missing or stale
// buckets on the way.
func (a *Aggregator) Query(ctx context.Context, req Request) (*Response, error) {
	if req.Bucket == "" {
		req.Bucket = store.Bucket1h
	}
	if req.Scope == "" {
		req.Scope = store.ScopeSystem
	}
	width := req.Bucket.Duration()
	if req.To.Before(req.From) {
		return nil, fmt.Errorf("stats: to %v before from %v", req.To, req.From)
	}
	if int(req.To.Sub(req.From)/width)+1 > maxBucketsPerQuery {
		return nil, fmt.Errorf("stats: range too wide for bucket size %s", req.Bucket)
	}

	now := time.Now()
	resp := &Response{}
	var runtimeSum, waitSum float64
	var runtimeN, waitN int

	for ts := req.From.Truncate(width); !ts.After(req.To); ts = ts.Add(width) {
		bucket, err := a.loadOrBuild(ctx, req.Scope, req.ScopeID, req.Bucket, ts, now)
		if err != nil {
			return nil, err
		}

		view := BucketView{StatBucket: *bucket}
		if rd := DeserializeDigest(bucket.RuntimeDigest); rd.Count() > 0 {
			view.RuntimePercentilesMs = Percentiles{
				P50: rd.Quantile(0.50),
				P95: rd.Quantile(0.95),
				P99: rd.Quantile(0.99),
			}
		}
		if wd := DeserializeDigest(bucket.WaitDigest); wd.Count() > 0 {
			view.WaitPercentilesMs = Percentiles{
				P50: wd.Quantile(0.50),
				P95: wd.Quantile(0.95),
				P99: wd.Quantile(0.99),
			}
		}
		resp.Buckets = append(resp.Buckets, view)

		s := &resp.Summary
		s.TasksCreated += bucket.TasksCreated
		s.TasksCompleted += bucket.TasksCompleted
		s.TasksFailed += bucket.TasksFailed
		s.TasksTimedOut += bucket.TasksTimedOut
		s.TasksCancelled += bucket.TasksCancelled
		s.TaskRetries += bucket.TaskRetries
		s.RetrySuccesses += bucket.RetrySuccesses
		s.DLQAdded += bucket.DLQAdded
		runtimeSum += bucket.RuntimeSumMs
		runtimeN += bucket.RuntimeCount
		waitSum += bucket.WaitSumMs
		waitN += bucket.WaitCount
	}

	terminal := resp.Summary.TasksCompleted + resp.Summary.TasksFailed +
		resp.Summary.TasksTimedOut + resp.Summary.TasksCancelled
	if terminal > 0 {
		resp.Summary.SuccessRate = float64(resp.Summary.TasksCompleted) / float64(terminal)
	}
	if runtimeN > 0 {
		resp.Summary.AvgRuntimeMs = runtimeSum / float64(runtimeN)
	}
	if waitN > 0 {
		resp.Summary.AvgWaitMs = waitSum / float64(waitN)
	}
	return resp, nil
}

func (a *Aggregator) loadOrBuild(ctx context.Context, scope store.StatScope, scopeID string, size store.BucketSize, ts, now time.Time) (*store.StatBucket, error) {
	bucket, err := a.store.GetStatBucket(ctx, scope, scopeID, size, ts)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	end := ts.Add(size.Duration())

	rebuild := bucket == nil
	if bucket != nil {
		if end.After(now) {
			// Trailing bucket: refresh once a minute at most.
			rebuild = now.Sub(bucket.LastBuiltAt) > rebuildAfter
		} else if !bucket.IsComplete {
			// Built while it was still current; finalize now.
			rebuild = true
		}
	}
	if !rebuild {
		return bucket, nil
	}
	return a.build(ctx, scope, scopeID, size, ts, now)
}

func (a *Aggregator) build(ctx context.Context, scope store.StatScope, scopeID string, size store.BucketSize, ts, now time.Time) (*store.StatBucket, error) {
	start, end := ts, ts.Add(size.Duration())

	bucket := &store.StatBucket{
		BucketTimestamp: ts,
		BucketSize:      size,
		Scope:           scope,
		ScopeID:         scopeID,
		RuntimeMinMs:    -1,
		ErrorsByCode:    map[string]int{},
		IsComplete:      !end.After(now),
		LastBuiltAt:     now,
	}

	runs, err := a.store.ListTaskRunsCreatedBetween(ctx, start, end, scope, scopeID)
	if err != nil {
		return nil, err
	}
	runtimeDigest := NewDigest()
	waitDigest := NewDigest()

	for _, tr := range runs {
		bucket.TasksCreated++
		switch tr.Status {
		case store.TaskRunCompleted:
			bucket.TasksCompleted++
			if tr.Attempt > 1 {
				bucket.RetrySuccesses++
			}
		case store.TaskRunFailed:
			bucket.TasksFailed++
		case store.TaskRunTimeout:
			bucket.TasksTimedOut++
		case store.TaskRunCancelled:
			bucket.TasksCancelled++
		}
		if tr.Attempt > 1 {
			bucket.TaskRetries++
		}
		if tr.ErrorCode != "" {
			bucket.ErrorsByCode[tr.ErrorCode]++
		}
		if tr.StartedAt != nil && tr.CompletedAt != nil {
			runtime := tr.CompletedAt.Sub(*tr.StartedAt)
			if runtime >= 0 {
				ms := float64(runtime.Milliseconds())
				runtimeDigest.Add(ms)
				bucket.RuntimeSumMs += ms
				bucket.RuntimeCount++
				if bucket.RuntimeMinMs < 0 || ms < bucket.RuntimeMinMs {
					bucket.RuntimeMinMs = ms
				}
				if ms > bucket.RuntimeMaxMs {
					bucket.RuntimeMaxMs = ms
				}
			}
		}
		if tr.StartedAt != nil {
			wait := tr.StartedAt.Sub(tr.CreatedAt)
			if wait >= 0 {
				ms := float64(wait.Milliseconds())
				waitDigest.Add(ms)
				bucket.WaitSumMs += ms
				bucket.WaitCount++
			}
		}
	}
	if bucket.RuntimeMinMs < 0 {
		bucket.RuntimeMinMs = 0
	}
	bucket.RuntimeDigest = runtimeDigest.Serialize()
	bucket.WaitDigest = waitDigest.Serialize()

	if scope == store.ScopeSystem || scope == store.ScopePipeline {
		pipelineID := ""
		if scope == store.ScopePipeline {
			pipelineID = scopeID
		}
		pruns, err := a.store.ListPipelineRunsCreatedBetween(ctx, start, end, pipelineID)
		if err != nil {
			return nil, err
		}
		for _, pr := range pruns {
			bucket.PipelinesCreated++
			switch pr.Status {
			case store.PipelineRunCompleted:
				bucket.PipelinesCompleted++
			case store.PipelineRunFailed:
				bucket.PipelinesFailed++
			case store.PipelineRunPartial:
				bucket.PipelinesPartial++
			}
		}
	}

	snapAt := end
	if snapAt.After(now) {
		snapAt = now
	}
	queued, running, err := a.store.CountBacklogAt(ctx, snapAt, scope, scopeID)
	if err != nil {
		return nil, err
	}
	bucket.QueuedAtEnd = queued
	bucket.RunningAtEnd = running

	dlq, err := a.store.CountDLQBetween(ctx, start, end, scope, scopeID)
	if err != nil {
		return nil, err
	}
	bucket.DLQAdded = dlq

	if err := a.store.UpsertStatBucket(ctx, bucket); err != nil {
		return nil, err
	}
	observability.StatBucketBuilds.WithLabelValues(string(scope)).Inc()
	return bucket, nil
}

// Realtime returns the live queue depth view.
func (a *Aggregator) Realtime(ctx context.Context) (*RealtimeQueueStats, error) {
	totals, err := a.store.CountQueue(ctx)
	if err != nil {
		return nil, err
	}
	perTask, err := a.store.CountQueueByTask(ctx)
	if err != nil {
		return nil, err
	}
	oldest, err := a.store.OldestPendingSince(ctx)
	if err != nil {
		return nil, err
	}
	avgWait, err := a.store.AverageWaitMs(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	return &RealtimeQueueStats{
		Totals:        totals,
		PerTask:       perTask,
		OldestPending: oldest,
		AvgWaitMsHour: avgWait,
	}, nil
}
