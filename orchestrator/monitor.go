package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/store"
)

// TimeoutMonitor periodically checks running task runs for stale heartbeats.
// A run past 2x its task's heartbeat interval is marked timeout and fed into
// the retry/DLQ path.
type TimeoutMonitor struct {
	store    store.Store
	executor *Executor
	interval time.Duration
}

// NewTimeoutMonitor creates a TimeoutMonitor.
func NewTimeoutMonitor(s store.Store, executor *Executor, interval time.Duration) *TimeoutMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &TimeoutMonitor{store: s, executor: executor, interval: interval}
}

// Start launches the monitor loop.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *TimeoutMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Starting heartbeat timeout monitor (interval %v)", m.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil {
				log.Printf("TimeoutMonitor: pass failed: %v", err)
			}
		}
	}
}

// CheckOnce performs one staleness sweep.
func (m *TimeoutMonitor) CheckOnce(ctx context.Context) error {
	running, err := m.store.ListRunningTaskRuns(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, run := range running {
		task, err := m.store.GetTask(ctx, run.TaskID)
		if err != nil {
			log.Printf("TimeoutMonitor: task %s for run %s: %v", run.TaskID, run.ID, err)
			continue
		}
		threshold := 2 * time.Duration(task.HeartbeatIntervalMs) * time.Millisecond
		last := run.HeartbeatAt
		if last == nil {
			last = run.StartedAt
		}
		if last == nil || now.Sub(*last) <= threshold {
			continue
		}

		log.Printf("TimeoutMonitor: run %s heartbeat stale (last %v, threshold %v). Marking timeout.", run.ID, last, threshold)
		completion := store.TaskRunCompletion{
			Status:      store.TaskRunTimeout,
			Error:       fmt.Sprintf("no heartbeat for %v", now.Sub(*last).Round(time.Millisecond)),
			ErrorCode:   store.ErrCodeHeartbeatTimeout,
			CompletedAt: now,
		}
		if err := m.store.CompleteTaskRun(ctx, run.ID, store.TaskRunRunning, completion); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				log.Printf("TimeoutMonitor: mark %s: %v", run.ID, err)
			}
			continue // a callback won the race
		}
		observability.HeartbeatTimeouts.Inc()
		observability.TaskRunsCompleted.WithLabelValues(string(store.TaskRunTimeout)).Inc()
		if err := m.executor.HandleRunFailure(ctx, run.ID); err != nil {
			log.Printf("TimeoutMonitor: failure handling for %s: %v", run.ID, err)
		}
	}
	return nil
}

// HeartbeatResponse is returned to the worker.
type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
	ShouldCancel bool `json:"should_cancel,omitempty"`
}

// Heartbeat records a worker heartbeat and tells the worker whether its run
// has been cancelled underneath it.
func Heartbeat(ctx context.Context, s store.Store, runID string, progress map[string]any) (*HeartbeatResponse, error) {
	status, err := s.UpdateTaskRunHeartbeat(ctx, runID, time.Now(), progress)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{
		Acknowledged: status == store.TaskRunRunning,
		ShouldCancel: status == store.TaskRunCancelled,
	}, nil
}

// MaintenanceController drives the three-state lifecycle:
//
//	running -> waiting_for_maintenance -> maintenance -> running
//
// waiting_for_maintenance rejects new admissions but lets queued and running
// work drain; the monitor promotes to maintenance once the queue is empty.
type MaintenanceController struct {
	store    store.Store
	interval time.Duration
}

// NewMaintenanceController creates the controller.
func NewMaintenanceController(s store.Store, interval time.Duration) *MaintenanceController {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MaintenanceController{store: s, interval: interval}
}

// RequestMaintenance transitions running -> waiting_for_maintenance.
func (c *MaintenanceController) RequestMaintenance(ctx context.Context) error {
	err := c.store.TransitionOrchestratorMode(ctx, store.ModeRunning, store.ModeWaitingForMaintenance, time.Now())
	if err != nil {
		return err
	}
	log.Println("Maintenance requested: draining tasks")
	c.setModeMetric(store.ModeWaitingForMaintenance)
	return nil
}

// ExitMaintenance transitions maintenance -> running. It also accepts the
// waiting state so an operator can abort a drain.
func (c *MaintenanceController) ExitMaintenance(ctx context.Context) error {
	err := c.store.TransitionOrchestratorMode(ctx, store.ModeMaintenance, store.ModeRunning, time.Now())
	if errors.Is(err, store.ErrConflict) {
		err = c.store.TransitionOrchestratorMode(ctx, store.ModeWaitingForMaintenance, store.ModeRunning, time.Now())
	}
	if err != nil {
		return err
	}
	log.Println("Maintenance exited: back to running")
	c.setModeMetric(store.ModeRunning)
	return nil
}

// State returns the current singleton row.
func (c *MaintenanceController) State(ctx context.Context) (*store.OrchestratorState, error) {
	return c.store.GetOrchestratorState(ctx)
}

// Start launches the drain monitor.
func (c *MaintenanceController) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *MaintenanceController) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.CheckDrained(ctx); err != nil {
				log.Printf("MaintenanceController: drain check failed: %v", err)
			}
		}
	}
}

// CheckDrained promotes waiting_for_maintenance to maintenance once no task
// is pending or running.
func (c *MaintenanceController) CheckDrained(ctx context.Context) error {
	state, err := c.store.GetOrchestratorState(ctx)
	if err != nil {
		return err
	}
	if state.Mode != store.ModeWaitingForMaintenance {
		return nil
	}
	counts, err := c.store.CountQueue(ctx)
	if err != nil {
		return err
	}
	if counts.Pending+counts.Running > 0 {
		return nil
	}
	err = c.store.TransitionOrchestratorMode(ctx, store.ModeWaitingForMaintenance, store.ModeMaintenance, time.Now())
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Println("All tasks drained: entering maintenance")
	c.setModeMetric(store.ModeMaintenance)
	return nil
}

func (c *MaintenanceController) setModeMetric(mode store.OrchestratorMode) {
	for _, m := range []store.OrchestratorMode{store.ModeRunning, store.ModeWaitingForMaintenance, store.ModeMaintenance} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		observability.OrchestratorMode.WithLabelValues(string(m)).Set(v)
	}
}
