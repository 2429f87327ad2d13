package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds the orchestrator state in process memory. It implements
// the Store interface with the same guarded-transition semantics as the
// Postgres backend and backs tests and single-node dev mode.
type MemoryStore struct {
	mu sync.RWMutex

	services  map[string]*Service
	tasks     map[string]*Task
	history   []*TaskCodeHistory
	pipelines map[string]*Pipeline
	pruns     map[string]*PipelineRun
	truns     map[string]*TaskRun
	dlq       map[string]*DLQItem
	cache     map[string]*CachedResult
	state     *OrchestratorState
	uploads   map[string]*TempUpload
	buckets   map[string]*StatBucket
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:  make(map[string]*Service),
		tasks:     make(map[string]*Task),
		pipelines: make(map[string]*Pipeline),
		pruns:     make(map[string]*PipelineRun),
		truns:     make(map[string]*TaskRun),
		dlq:       make(map[string]*DLQItem),
		cache:     make(map[string]*CachedResult),
		uploads:   make(map[string]*TempUpload),
		buckets:   make(map[string]*StatBucket),
	}
}

// --- Services & tasks ---

func (s *MemoryStore) UpsertService(ctx context.Context, svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *svc
	s.services[svc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetService(ctx context.Context, id string) (*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *svc
	return &cp, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListTasksByService(ctx context.Context, serviceID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ServiceID == serviceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return ErrDuplicate
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; !exists {
		return ErrNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) AppendTaskCodeHistory(ctx context.Context, h *TaskCodeHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

func (s *MemoryStore) ListTaskCodeHistory(ctx context.Context, taskID string) ([]*TaskCodeHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskCodeHistory
	for _, h := range s.history {
		if h.TaskID == taskID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CodeVersion < out[j].CodeVersion })
	return out, nil
}

func (s *MemoryStore) CancelPendingRunsForTask(ctx context.Context, taskID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tr := range s.truns {
		if tr.TaskID == taskID && (tr.Status == TaskRunPending || tr.Status == TaskRunWaiting) {
			tr.Status = TaskRunCancelled
			at := now
			tr.CompletedAt = &at
			tr.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// --- Pipelines ---

func (s *MemoryStore) UpsertPipeline(ctx context.Context, p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Pipeline runs ---

func (s *MemoryStore) CreatePipelineRun(ctx context.Context, pr *PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pruns[pr.ID]; exists {
		return ErrDuplicate
	}
	cp := *pr
	s.pruns[pr.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.pruns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (s *MemoryStore) TransitionPipelineRun(ctx context.Context, id string, from []PipelineRunStatus, to PipelineRunStatus, errMsg string, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pruns[id]
	if !ok {
		return ErrNotFound
	}
	matched := false
	for _, f := range from {
		if pr.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return ErrConflict
	}
	now := time.Now()
	pr.Status = to
	if errMsg != "" {
		pr.Error = errMsg
	}
	if to == PipelineRunRunning && pr.StartedAt == nil {
		at := now
		pr.StartedAt = &at
	}
	if completedAt != nil {
		at := *completedAt
		pr.CompletedAt = &at
	}
	pr.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SetPipelineRunOutput(ctx context.Context, id string, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pruns[id]
	if !ok {
		return ErrNotFound
	}
	pr.OutputPath = outputPath
	return nil
}

func (s *MemoryStore) ListPipelineRuns(ctx context.Context, pipelineID string, limit int) ([]*PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PipelineRun
	for _, pr := range s.pruns {
		if pipelineID == "" || pr.PipelineID == pipelineID {
			cp := *pr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPipelineRunsCreatedBetween(ctx context.Context, from, to time.Time, pipelineID string) ([]*PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PipelineRun
	for _, pr := range s.pruns {
		if pr.CreatedAt.Before(from) || !pr.CreatedAt.Before(to) {
			continue
		}
		if pipelineID != "" && pr.PipelineID != pipelineID {
			continue
		}
		cp := *pr
		out = append(out, &cp)
	}
	return out, nil
}

// --- Task runs ---

func (s *MemoryStore) CreateTaskRun(ctx context.Context, tr *TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.truns[tr.ID]; exists {
		return ErrDuplicate
	}
	// Uniqueness over (pipelineRunId, taskId, attempt) for pipeline runs.
	if tr.PipelineRunID != "" {
		for _, other := range s.truns {
			if other.PipelineRunID == tr.PipelineRunID && other.TaskID == tr.TaskID && other.Attempt == tr.Attempt {
				return ErrDuplicate
			}
		}
	}
	cp := *tr
	s.truns[tr.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.truns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

func (s *MemoryStore) ListTaskRunsForPipelineRun(ctx context.Context, pipelineRunID string) ([]*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskRun
	for _, tr := range s.truns {
		if tr.PipelineRunID == pipelineRunID {
			cp := *tr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ClaimDueRuns(ctx context.Context, req ClaimRequest) ([]*TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	excluded := make(map[string]bool, len(req.ExcludeRunIDs))
	for _, id := range req.ExcludeRunIDs {
		excluded[id] = true
	}

	runningPerTask := make(map[string]int)
	for _, tr := range s.truns {
		if tr.Status == TaskRunRunning {
			runningPerTask[tr.TaskID]++
		}
	}

	var due []*TaskRun
	for _, tr := range s.truns {
		if tr.Status != TaskRunPending || excluded[tr.ID] || tr.ScheduledAt.After(now) {
			continue
		}
		due = append(due, tr)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	var claimed []*TaskRun
	for _, tr := range due {
		if req.Limit > 0 && len(claimed) >= req.Limit {
			break
		}
		task := s.tasks[tr.TaskID]
		if task != nil && task.Concurrency > 0 && runningPerTask[tr.TaskID] >= task.Concurrency {
			continue
		}
		runningPerTask[tr.TaskID]++
		cp := *tr
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkTaskRunRunning(ctx context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.truns[id]
	if !ok {
		return ErrNotFound
	}
	if tr.Status != TaskRunPending {
		return ErrConflict
	}
	at := startedAt
	tr.Status = TaskRunRunning
	tr.StartedAt = &at
	tr.HeartbeatAt = &at
	tr.UpdatedAt = startedAt
	return nil
}

func (s *MemoryStore) PromoteWaitingTaskRun(ctx context.Context, id string, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.truns[id]
	if !ok {
		return ErrNotFound
	}
	if tr.Status != TaskRunWaiting {
		return ErrConflict
	}
	tr.Status = TaskRunPending
	tr.ScheduledAt = scheduledAt
	tr.UpdatedAt = scheduledAt
	return nil
}

func (s *MemoryStore) CompleteTaskRun(ctx context.Context, id string, from TaskRunStatus, c TaskRunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.truns[id]
	if !ok {
		return ErrNotFound
	}
	if tr.Status != from {
		return ErrConflict
	}
	tr.Status = c.Status
	tr.OutputPath = c.OutputPath
	tr.OutputSize = c.OutputSize
	tr.Assets = c.Assets
	tr.LogsPath = c.LogsPath
	tr.SelectedNext = c.SelectedNext
	tr.Error = c.Error
	tr.ErrorCode = c.ErrorCode
	at := c.CompletedAt
	tr.CompletedAt = &at
	tr.UpdatedAt = c.CompletedAt
	return nil
}

func (s *MemoryStore) CancelTaskRunsForPipelineRun(ctx context.Context, pipelineRunID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wasRunning []string
	for _, tr := range s.truns {
		if tr.PipelineRunID != pipelineRunID || tr.Status.Terminal() {
			continue
		}
		if tr.Status == TaskRunRunning {
			wasRunning = append(wasRunning, tr.ID)
		}
		tr.Status = TaskRunCancelled
		at := now
		tr.CompletedAt = &at
		tr.UpdatedAt = now
	}
	return wasRunning, nil
}

func (s *MemoryStore) UpdateTaskRunHeartbeat(ctx context.Context, id string, at time.Time, progress map[string]any) (TaskRunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.truns[id]
	if !ok {
		return "", ErrNotFound
	}
	if tr.Status == TaskRunRunning {
		hb := at
		tr.HeartbeatAt = &hb
		if len(progress) > 0 {
			if tr.Metadata == nil {
				tr.Metadata = make(map[string]any, len(progress))
			}
			for k, v := range progress {
				tr.Metadata[k] = v
			}
		}
		tr.UpdatedAt = at
	}
	return tr.Status, nil
}

func (s *MemoryStore) ListRunningTaskRuns(ctx context.Context) ([]*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskRun
	for _, tr := range s.truns {
		if tr.Status == TaskRunRunning {
			cp := *tr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPriorAttempts(ctx context.Context, taskID, pipelineRunID, idempotencyKey string, beforeAttempt int) ([]*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskRun
	for _, tr := range s.truns {
		if tr.TaskID != taskID || tr.Attempt >= beforeAttempt {
			continue
		}
		if pipelineRunID != "" {
			if tr.PipelineRunID != pipelineRunID {
				continue
			}
		} else if idempotencyKey != "" {
			if tr.IdempotencyKey != idempotencyKey {
				continue
			}
		} else if tr.PipelineRunID != "" {
			continue
		}
		cp := *tr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *MemoryStore) CountQueue(ctx context.Context) (QueueCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c QueueCounts
	for _, tr := range s.truns {
		switch tr.Status {
		case TaskRunPending:
			c.Pending++
		case TaskRunRunning:
			c.Running++
		case TaskRunWaiting:
			c.Waiting++
		}
	}
	return c, nil
}

func (s *MemoryStore) CountQueueByTask(ctx context.Context) ([]TaskQueueCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byTask := make(map[string]*TaskQueueCount)
	for _, tr := range s.truns {
		tc, ok := byTask[tr.TaskID]
		if !ok {
			tc = &TaskQueueCount{TaskID: tr.TaskID}
			byTask[tr.TaskID] = tc
		}
		switch tr.Status {
		case TaskRunPending:
			tc.Pending++
			if tc.OldestPending == nil || tr.CreatedAt.Before(*tc.OldestPending) {
				at := tr.CreatedAt
				tc.OldestPending = &at
			}
		case TaskRunRunning:
			tc.Running++
		case TaskRunWaiting:
			tc.Waiting++
		}
	}
	out := make([]TaskQueueCount, 0, len(byTask))
	for _, tc := range byTask {
		out = append(out, *tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *MemoryStore) OldestPendingSince(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *time.Time
	for _, tr := range s.truns {
		if tr.Status != TaskRunPending {
			continue
		}
		if oldest == nil || tr.CreatedAt.Before(*oldest) {
			at := tr.CreatedAt
			oldest = &at
		}
	}
	return oldest, nil
}

func (s *MemoryStore) AverageWaitMs(ctx context.Context, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	n := 0
	for _, tr := range s.truns {
		if tr.StartedAt == nil || tr.CreatedAt.Before(since) {
			continue
		}
		wait := tr.StartedAt.Sub(tr.CreatedAt)
		if wait < 0 {
			continue
		}
		sum += float64(wait.Milliseconds())
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (s *MemoryStore) scopeMatches(tr *TaskRun, scope StatScope, scopeID string) bool {
	switch scope {
	case ScopeSystem:
		return true
	case ScopeTask:
		return tr.TaskID == scopeID
	case ScopeService:
		return tr.ServiceID == scopeID
	case ScopePipeline:
		if tr.PipelineRunID == "" {
			return false
		}
		pr, ok := s.pruns[tr.PipelineRunID]
		return ok && pr.PipelineID == scopeID
	}
	return false
}

func (s *MemoryStore) ListTaskRunsCreatedBetween(ctx context.Context, from, to time.Time, scope StatScope, scopeID string) ([]*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskRun
	for _, tr := range s.truns {
		if tr.CreatedAt.Before(from) || !tr.CreatedAt.Before(to) {
			continue
		}
		if !s.scopeMatches(tr, scope, scopeID) {
			continue
		}
		cp := *tr
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CountBacklogAt(ctx context.Context, at time.Time, scope StatScope, scopeID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	queued, running := 0, 0
	for _, tr := range s.truns {
		if tr.CreatedAt.After(at) || !s.scopeMatches(tr, scope, scopeID) {
			continue
		}
		started := tr.StartedAt != nil && !tr.StartedAt.After(at)
		done := tr.CompletedAt != nil && !tr.CompletedAt.After(at)
		switch {
		case done:
		case started:
			running++
		default:
			queued++
		}
	}
	return queued, running, nil
}

// --- Dead letter queue ---

func (s *MemoryStore) InsertDLQItem(ctx context.Context, item *DLQItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dlq[item.ID]; exists {
		return ErrDuplicate
	}
	cp := *item
	s.dlq[item.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDLQItem(ctx context.Context, id string) (*DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.dlq[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) ListDLQItems(ctx context.Context, f DLQFilter) ([]*DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DLQItem
	for _, item := range s.dlq {
		if f.TaskID != "" && item.TaskID != f.TaskID {
			continue
		}
		if f.PipelineRunID != "" && item.PipelineRunID != f.PipelineRunID {
			continue
		}
		if f.PipelineID != "" {
			pr, ok := s.pruns[item.PipelineRunID]
			if !ok || pr.PipelineID != f.PipelineID {
				continue
			}
		}
		if f.From != nil && item.FailedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && item.FailedAt.After(*f.To) {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDLQRetried(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.dlq[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	item.RetriedAt = &t
	return nil
}

func (s *MemoryStore) PurgeDLQ(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, item := range s.dlq {
		if item.FailedAt.Before(olderThan) {
			delete(s.dlq, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountDLQBetween(ctx context.Context, from, to time.Time, scope StatScope, scopeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.dlq {
		if item.FailedAt.Before(from) || !item.FailedAt.Before(to) {
			continue
		}
		switch scope {
		case ScopeSystem:
		case ScopeTask:
			if item.TaskID != scopeID {
				continue
			}
		case ScopePipeline:
			pr, ok := s.pruns[item.PipelineRunID]
			if !ok || pr.PipelineID != scopeID {
				continue
			}
		case ScopeService:
			tr, ok := s.truns[item.TaskRunID]
			if !ok || tr.ServiceID != scopeID {
				continue
			}
		}
		n++
	}
	return n, nil
}

// --- Idempotency cache ---

func (s *MemoryStore) GetCachedResult(ctx context.Context, key string, now time.Time) (*CachedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[key]
	if !ok || !r.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) PutCachedResult(ctx context.Context, r *CachedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.cache[r.Key] = &cp
	return nil
}

func (s *MemoryStore) DeleteExpiredCachedResults(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, r := range s.cache {
		if !r.ExpiresAt.After(now) {
			delete(s.cache, key)
			n++
		}
	}
	return n, nil
}

// --- Orchestrator state ---

func (s *MemoryStore) GetOrchestratorState(ctx context.Context) (*OrchestratorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		// Seeded lazily on first access.
		s.state = &OrchestratorState{Mode: ModeRunning, ModeChangedAt: time.Now()}
	}
	cp := *s.state
	return &cp, nil
}

func (s *MemoryStore) TransitionOrchestratorMode(ctx context.Context, from, to OrchestratorMode, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = &OrchestratorState{Mode: ModeRunning, ModeChangedAt: time.Now()}
	}
	if s.state.Mode != from {
		return ErrConflict
	}
	s.state.Mode = to
	s.state.ModeChangedAt = at
	return nil
}

func (s *MemoryStore) UpdateOrchestratorCounts(ctx context.Context, pending, running int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = &OrchestratorState{Mode: ModeRunning, ModeChangedAt: time.Now()}
	}
	s.state.PendingTasksCount = pending
	s.state.RunningTasksCount = running
	return nil
}

// --- Temp uploads ---

func (s *MemoryStore) CreateTempUpload(ctx context.Context, u *TempUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.uploads[u.ID]; exists {
		return ErrDuplicate
	}
	cp := *u
	s.uploads[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTempUpload(ctx context.Context, id string) (*TempUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ClaimTempUpload(ctx context.Context, id, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.ClaimedByRunID != "" || u.DeletedAt != nil {
		return false, nil
	}
	u.ClaimedByRunID = runID
	return true, nil
}

func (s *MemoryStore) ListExpiredUnclaimedUploads(ctx context.Context, now time.Time, limit int) ([]*TempUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TempUpload
	for _, u := range s.uploads {
		if u.ClaimedByRunID == "" && u.DeletedAt == nil && u.ExpiresAt.Before(now) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkTempUploadDeleted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	u.DeletedAt = &t
	return nil
}

func (s *MemoryStore) DeleteArchivedTempUploads(ctx context.Context, deletedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, u := range s.uploads {
		if u.DeletedAt != nil && u.DeletedAt.Before(deletedBefore) {
			delete(s.uploads, id)
			n++
		}
	}
	return n, nil
}

// --- Statistics buckets ---

func bucketKey(scope StatScope, scopeID string, size BucketSize, ts time.Time) string {
	return strings.Join([]string{string(scope), scopeID, string(size), ts.UTC().Format(time.RFC3339)}, "|")
}

func (s *MemoryStore) GetStatBucket(ctx context.Context, scope StatScope, scopeID string, size BucketSize, ts time.Time) (*StatBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucketKey(scope, scopeID, size, ts)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) UpsertStatBucket(ctx context.Context, b *StatBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.buckets[bucketKey(b.Scope, b.ScopeID, b.BucketSize, b.BucketTimestamp)] = &cp
	return nil
}
