package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/store"
	"github.com/saritra/pipeweave/orchestrator/streaming"
)

// FailureOutcome reports what the retrier did with a failed attempt.
type FailureOutcome int

const (
	// OutcomeRetryScheduled means a new attempt row was written.
	OutcomeRetryScheduled FailureOutcome = iota
	// OutcomeDeadLettered means the failure was exhausted (or fatal) and
	// moved to the DLQ.
	OutcomeDeadLettered
)

// Retrier owns retry scheduling and the dead letter queue.
type Retrier struct {
	store     store.Store
	publisher streaming.Publisher
}

// NewRetrier wires the retrier.
func NewRetrier(s store.Store, publisher streaming.Publisher) *Retrier {
	return &Retrier{store: s, publisher: publisher}
}

// RetryDelay computes the backoff before the next attempt. attempt is the
// attempt that just failed (1-based).
func RetryDelay(attempt int, backoff string, baseDelayMs, maxDelayMs int64) time.Duration {
	if attempt < 1 {
		return 0
	}
	delayMs := baseDelayMs
	if backoff == store.BackoffExponential {
		// baseDelay * 2^(attempt-1), saturating well before overflow.
		for i := 1; i < attempt && delayMs < maxDelayMs; i++ {
			delayMs *= 2
		}
	}
	if maxDelayMs > 0 && delayMs > maxDelayMs {
		delayMs = maxDelayMs
	}
	return time.Duration(delayMs) * time.Millisecond
}

// HandleFailure decides between scheduling a retry and dead-lettering. The
// failed run must already be in a terminal failed/timeout status.
func (r *Retrier) HandleFailure(ctx context.Context, run *store.TaskRun) (FailureOutcome, error) {
	if run.Status != store.TaskRunFailed && run.Status != store.TaskRunTimeout {
		return 0, fmt.Errorf("retrier: run %s is %s, not a failed attempt", run.ID, run.Status)
	}

	task, err := r.store.GetTask(ctx, run.TaskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	fatal := task != nil && run.ErrorCode != "" && task.IsFatalCode(run.ErrorCode)
	exhausted := run.Attempt >= run.MaxRetries+1

	if task == nil || fatal || exhausted {
		if err := r.deadLetter(ctx, run); err != nil {
			return 0, err
		}
		return OutcomeDeadLettered, nil
	}

	return OutcomeRetryScheduled, r.scheduleRetry(ctx, run, task)
}

// scheduleRetry inserts the next attempt row with a future scheduledAt. The
// failed row stays terminal; codeVersion re-snapshots the current definition.
func (r *Retrier) scheduleRetry(ctx context.Context, failed *store.TaskRun, task *store.Task) error {
	delay := RetryDelay(failed.Attempt, task.RetryBackoff, task.RetryDelayMs, task.MaxRetryDelayMs)
	now := time.Now()
	next := &store.TaskRun{
		ID:             store.NewID(store.TaskRunPrefix),
		TaskID:         failed.TaskID,
		PipelineRunID:  failed.PipelineRunID,
		ServiceID:      task.ServiceID,
		Status:         store.TaskRunPending,
		CodeVersion:    task.CodeVersion,
		CodeHash:       task.CodeHash,
		Attempt:        failed.Attempt + 1,
		MaxRetries:     failed.MaxRetries,
		Priority:       failed.Priority,
		InputPath:      failed.InputPath,
		IdempotencyKey: failed.IdempotencyKey,
		ScheduledAt:    now.Add(delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateTaskRun(ctx, next); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent failure handler already scheduled this attempt.
			return nil
		}
		return err
	}
	observability.Retries.Inc()
	log.Printf("Retry scheduled for task %s: attempt %d in %v (run %s)", failed.TaskID, next.Attempt, delay, next.ID)
	r.publish(ctx, streaming.TopicTaskRun, map[string]any{
		"id": next.ID, "task_id": next.TaskID, "status": next.Status, "attempt": next.Attempt,
	})
	return nil
}

// deadLetter snapshots the exhausted run into the DLQ.
func (r *Retrier) deadLetter(ctx context.Context, run *store.TaskRun) error {
	item := &store.DLQItem{
		ID:            store.NewID(store.DLQPrefix),
		TaskRunID:     run.ID,
		TaskID:        run.TaskID,
		PipelineRunID: run.PipelineRunID,
		CodeVersion:   run.CodeVersion,
		CodeHash:      run.CodeHash,
		Error:         run.Error,
		ErrorCode:     run.ErrorCode,
		Attempts:      run.Attempt,
		InputPath:     run.InputPath,
		FailedAt:      time.Now(),
	}
	if err := r.store.InsertDLQItem(ctx, item); err != nil {
		return err
	}
	observability.DLQInserts.Inc()
	log.Printf("Run %s dead-lettered after %d attempts (task %s, code %s)", run.ID, run.Attempt, run.TaskID, run.ErrorCode)
	r.publish(ctx, streaming.TopicDLQ, map[string]any{
		"id": item.ID, "task_id": item.TaskID, "task_run_id": run.ID, "attempts": item.Attempts,
	})
	return nil
}

// Replay creates a fresh attempt-1 run from a DLQ item and stamps retriedAt.
// The replay runs standalone: its pipeline run is long terminal, and attempt
// numbering inside the original run must stay unique.
func (r *Retrier) Replay(ctx context.Context, dlqID string) (*store.TaskRun, error) {
	item, err := r.store.GetDLQItem(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	task, err := r.store.GetTask(ctx, item.TaskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run := &store.TaskRun{
		ID:          store.NewID(store.TaskRunPrefix),
		TaskID:      item.TaskID,
		ServiceID:   task.ServiceID,
		Status:      store.TaskRunPending,
		CodeVersion: task.CodeVersion,
		CodeHash:    task.CodeHash,
		Attempt:     1,
		MaxRetries:  task.Retries,
		Priority:    task.Priority,
		InputPath:   item.InputPath,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateTaskRun(ctx, run); err != nil {
		return nil, err
	}
	if err := r.store.MarkDLQRetried(ctx, dlqID, now); err != nil {
		return nil, err
	}
	log.Printf("DLQ item %s replayed as run %s", dlqID, run.ID)
	return run, nil
}

// Purge deletes DLQ items older than the retention window.
func (r *Retrier) Purge(ctx context.Context, retention time.Duration) (int, error) {
	return r.store.PurgeDLQ(ctx, time.Now().Add(-retention))
}

// List filters DLQ items.
func (r *Retrier) List(ctx context.Context, f store.DLQFilter) ([]*store.DLQItem, error) {
	return r.store.ListDLQItems(ctx, f)
}

func (r *Retrier) publish(ctx context.Context, topic string, payload any) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, topic, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
	}
}
