// Package registry handles worker service registration: task upserts,
// code-version bumps on hash changes, and orphan detection.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/saritra/pipeweave/orchestrator/schema"
	"github.com/saritra/pipeweave/orchestrator/store"
)

// ErrTaskClaimed is returned when a registration submits a task id owned by a
// different service. Fatal to the caller; nothing is persisted for that task.
var ErrTaskClaimed = errors.New("registry: task id claimed by another service")

// TaskSpec is one task definition submitted by a registering service.
type TaskSpec struct {
	ID                  string          `json:"id"`
	CodeHash            string          `json:"code_hash"`
	AllowedNext         []string        `json:"allowed_next"`
	TimeoutSeconds      int             `json:"timeout_seconds"`
	Retries             int             `json:"retries"`
	RetryBackoff        string          `json:"retry_backoff"`
	RetryDelayMs        int64           `json:"retry_delay_ms"`
	MaxRetryDelayMs     int64           `json:"max_retry_delay_ms"`
	HeartbeatIntervalMs int64           `json:"heartbeat_interval_ms"`
	Concurrency         int             `json:"concurrency"`
	Priority            int             `json:"priority"`
	IdempotencyTTLSec   int64           `json:"idempotency_ttl_seconds"`
	InputSchema         json.RawMessage `json:"input_schema,omitempty"`
	FatalErrorPrefixes  []string        `json:"fatal_error_prefixes,omitempty"`
	Description         string          `json:"description"`
}

// CodeChange reports one task whose code hash changed during registration.
type CodeChange struct {
	TaskID      string `json:"task_id"`
	OldHash     string `json:"old_hash"`
	NewHash     string `json:"new_hash"`
	CodeVersion int    `json:"code_version"`
}

// Result is the registration outcome returned to the service.
type Result struct {
	CodeChanges   []CodeChange `json:"code_changes"`
	OrphanedTasks []string     `json:"orphaned_tasks"`
}

// Registry owns service and task registration.
type Registry struct {
	store store.Store
}

// New creates a Registry.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Register upserts the service and each submitted task. A task whose code
// hash changed gets its codeVersion bumped and a history row appended.
// Tasks the service registered previously but omitted now are returned as
// orphans and their queued runs are cancelled.
func (r *Registry) Register(ctx context.Context, serviceID, version, baseURL string, specs []TaskSpec) (*Result, error) {
	// Reject cross-service claims before touching anything.
	for _, spec := range specs {
		existing, err := r.store.GetTask(ctx, spec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.ServiceID != serviceID {
			return nil, fmt.Errorf("%w: %s belongs to %s", ErrTaskClaimed, spec.ID, existing.ServiceID)
		}
	}

	if err := r.store.UpsertService(ctx, &store.Service{
		ID:      serviceID,
		Version: version,
		BaseURL: baseURL,
	}); err != nil {
		return nil, err
	}

	prior, err := r.store.ListTasksByService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	priorByID := make(map[string]*store.Task, len(prior))
	for _, t := range prior {
		priorByID[t.ID] = t
	}

	result := &Result{}
	now := time.Now()

	for _, spec := range specs {
		task, err := specToTask(serviceID, spec)
		if err != nil {
			return nil, fmt.Errorf("registry: task %s: %w", spec.ID, err)
		}

		existing := priorByID[spec.ID]
		delete(priorByID, spec.ID)

		if existing == nil {
			task.CodeVersion = 1
			if err := r.store.InsertTask(ctx, task); err != nil {
				return nil, err
			}
			if err := r.store.AppendTaskCodeHistory(ctx, &store.TaskCodeHistory{
				TaskID:         task.ID,
				CodeVersion:    1,
				CodeHash:       task.CodeHash,
				ServiceVersion: version,
				RecordedAt:     now,
			}); err != nil {
				return nil, err
			}
			continue
		}

		task.CodeVersion = existing.CodeVersion
		if existing.CodeHash != spec.CodeHash {
			task.CodeVersion = existing.CodeVersion + 1
			result.CodeChanges = append(result.CodeChanges, CodeChange{
				TaskID:      spec.ID,
				OldHash:     existing.CodeHash,
				NewHash:     spec.CodeHash,
				CodeVersion: task.CodeVersion,
			})
			if err := r.store.AppendTaskCodeHistory(ctx, &store.TaskCodeHistory{
				TaskID:         task.ID,
				CodeVersion:    task.CodeVersion,
				CodeHash:       spec.CodeHash,
				ServiceVersion: version,
				RecordedAt:     now,
			}); err != nil {
				return nil, err
			}
		}
		if err := r.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}

	// Everything left in priorByID was dropped from this registration.
	for id := range priorByID {
		result.OrphanedTasks = append(result.OrphanedTasks, id)
		cancelled, err := r.store.CancelPendingRunsForTask(ctx, id, now)
		if err != nil {
			return nil, err
		}
		if cancelled > 0 {
			log.Printf("Registry: cancelled %d queued runs of orphaned task %s", cancelled, id)
		}
	}

	return result, nil
}

// GetTask is a read-only lookup.
func (r *Registry) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return r.store.GetTask(ctx, id)
}

// GetService is a read-only lookup.
func (r *Registry) GetService(ctx context.Context, id string) (*store.Service, error) {
	return r.store.GetService(ctx, id)
}

func specToTask(serviceID string, spec TaskSpec) (*store.Task, error) {
	if spec.ID == "" {
		return nil, errors.New("missing task id")
	}
	if len(spec.CodeHash) != 16 {
		return nil, fmt.Errorf("code hash must be 16 hex chars, got %q", spec.CodeHash)
	}
	backoff := spec.RetryBackoff
	if backoff == "" {
		backoff = store.BackoffExponential
	}
	if backoff != store.BackoffFixed && backoff != store.BackoffExponential {
		return nil, fmt.Errorf("unknown retry backoff %q", backoff)
	}
	if spec.Retries < 0 {
		return nil, errors.New("retries must be non-negative")
	}
	task := &store.Task{
		ID:                  spec.ID,
		ServiceID:           serviceID,
		CodeHash:            spec.CodeHash,
		AllowedNext:         spec.AllowedNext,
		TimeoutSeconds:      spec.TimeoutSeconds,
		Retries:             spec.Retries,
		RetryBackoff:        backoff,
		RetryDelayMs:        spec.RetryDelayMs,
		MaxRetryDelayMs:     spec.MaxRetryDelayMs,
		HeartbeatIntervalMs: spec.HeartbeatIntervalMs,
		Concurrency:         spec.Concurrency,
		Priority:            spec.Priority,
		IdempotencyTTLSec:   spec.IdempotencyTTLSec,
		FatalErrorPrefixes:  spec.FatalErrorPrefixes,
		Description:         spec.Description,
	}
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = 300
	}
	if task.RetryDelayMs <= 0 {
		task.RetryDelayMs = 1000
	}
	if task.MaxRetryDelayMs <= 0 {
		task.MaxRetryDelayMs = 60000
	}
	if task.HeartbeatIntervalMs <= 0 {
		task.HeartbeatIntervalMs = 10000
	}
	if len(spec.InputSchema) > 0 {
		var is schema.InputSchema
		if err := json.Unmarshal(spec.InputSchema, &is); err != nil {
			return nil, fmt.Errorf("invalid input schema: %w", err)
		}
		task.InputSchema = &is
	}
	return task, nil
}
