package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// --- Pipeline runs ---

const pipelineRunColumns = `id, pipeline_id, status, failure_mode, input_path, output_path,
	structure, pipeline_version, error, metadata, started_at, completed_at, created_at, updated_at`

func scanPipelineRun(row pgx.Row) (*PipelineRun, error) {
	var pr PipelineRun
	var structureJSON, metadataJSON []byte
	var status string
	err := row.Scan(
		&pr.ID, &pr.PipelineID, &status, (*string)(&pr.FailureMode), &pr.InputPath, &pr.OutputPath,
		&structureJSON, &pr.PipelineVersion, &pr.Error, &metadataJSON,
		&pr.StartedAt, &pr.CompletedAt, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Status = PipelineRunStatus(status)
	if len(structureJSON) > 0 {
		if err := json.Unmarshal(structureJSON, &pr.Structure); err != nil {
			return nil, err
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &pr.Metadata); err != nil {
			return nil, err
		}
	}
	return &pr, nil
}

func (s *PostgresStore) CreatePipelineRun(ctx context.Context, pr *PipelineRun) error {
	structureJSON, err := json.Marshal(pr.Structure)
	if err != nil {
		return err
	}
	var metadataJSON []byte
	if pr.Metadata != nil {
		metadataJSON, err = json.Marshal(pr.Metadata)
		if err != nil {
			return err
		}
	}
	query := `
		INSERT INTO pipeline_runs (id, pipeline_id, status, failure_mode, input_path, output_path,
			structure, pipeline_version, error, metadata, started_at, completed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
	`
	_, err = s.pool.Exec(ctx, query,
		pr.ID, pr.PipelineID, string(pr.Status), string(pr.FailureMode), pr.InputPath, pr.OutputPath,
		structureJSON, pr.PipelineVersion, pr.Error, metadataJSON, pr.StartedAt, pr.CompletedAt, pr.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error) {
	return scanPipelineRun(s.pool.QueryRow(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE id = $1`, id))
}

func (s *PostgresStore) TransitionPipelineRun(ctx context.Context, id string, from []PipelineRunStatus, to PipelineRunStatus, errMsg string, completedAt *time.Time) error {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	query := `
		UPDATE pipeline_runs SET
			status = $2,
			error = CASE WHEN $3 <> '' THEN $3 ELSE error END,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = COALESCE($4, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`
	tag, err := s.pool.Exec(ctx, query, id, string(to), errMsg, completedAt, fromStr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) SetPipelineRunOutput(ctx context.Context, id string, outputPath string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pipeline_runs SET output_path = $2, updated_at = NOW() WHERE id = $1`, id, outputPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) listPipelineRuns(ctx context.Context, query string, args ...any) ([]*PipelineRun, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PipelineRun
	for rows.Next() {
		pr, err := scanPipelineRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPipelineRuns(ctx context.Context, pipelineID string, limit int) ([]*PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	if pipelineID == "" {
		return s.listPipelineRuns(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs ORDER BY created_at DESC LIMIT $1`, limit)
	}
	return s.listPipelineRuns(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE pipeline_id = $1 ORDER BY created_at DESC LIMIT $2`, pipelineID, limit)
}

func (s *PostgresStore) ListPipelineRunsCreatedBetween(ctx context.Context, from, to time.Time, pipelineID string) ([]*PipelineRun, error) {
	if pipelineID == "" {
		return s.listPipelineRuns(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE created_at >= $1 AND created_at < $2`, from, to)
	}
	return s.listPipelineRuns(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE created_at >= $1 AND created_at < $2 AND pipeline_id = $3`, from, to, pipelineID)
}

// --- Task runs ---

const taskRunColumns = `id, task_id, pipeline_run_id, service_id, status, code_version, code_hash,
	attempt, max_retries, priority, input_path, output_path, output_size, assets, logs_path,
	error, error_code, idempotency_key, scheduled_at, started_at, completed_at, heartbeat_at,
	selected_next, metadata, created_at, updated_at`

func scanTaskRun(row pgx.Row) (*TaskRun, error) {
	var tr TaskRun
	var assetsJSON, metadataJSON []byte
	var status string
	err := row.Scan(
		&tr.ID, &tr.TaskID, &tr.PipelineRunID, &tr.ServiceID, &status, &tr.CodeVersion, &tr.CodeHash,
		&tr.Attempt, &tr.MaxRetries, &tr.Priority, &tr.InputPath, &tr.OutputPath, &tr.OutputSize,
		&assetsJSON, &tr.LogsPath, &tr.Error, &tr.ErrorCode, &tr.IdempotencyKey,
		&tr.ScheduledAt, &tr.StartedAt, &tr.CompletedAt, &tr.HeartbeatAt,
		&tr.SelectedNext, &metadataJSON, &tr.CreatedAt, &tr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tr.Status = TaskRunStatus(status)
	if len(assetsJSON) > 0 {
		if err := json.Unmarshal(assetsJSON, &tr.Assets); err != nil {
			return nil, err
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tr.Metadata); err != nil {
			return nil, err
		}
	}
	return &tr, nil
}

func (s *PostgresStore) CreateTaskRun(ctx context.Context, tr *TaskRun) error {
	var assetsJSON, metadataJSON []byte
	var err error
	if tr.Assets != nil {
		if assetsJSON, err = json.Marshal(tr.Assets); err != nil {
			return err
		}
	}
	if tr.Metadata != nil {
		if metadataJSON, err = json.Marshal(tr.Metadata); err != nil {
			return err
		}
	}
	query := `
		INSERT INTO task_runs (id, task_id, pipeline_run_id, service_id, status, code_version, code_hash,
			attempt, max_retries, priority, input_path, output_path, output_size, assets, logs_path,
			error, error_code, idempotency_key, scheduled_at, started_at, completed_at, heartbeat_at,
			selected_next, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$25)
	`
	_, err = s.pool.Exec(ctx, query,
		tr.ID, tr.TaskID, tr.PipelineRunID, tr.ServiceID, string(tr.Status), tr.CodeVersion, tr.CodeHash,
		tr.Attempt, tr.MaxRetries, tr.Priority, tr.InputPath, tr.OutputPath, tr.OutputSize, assetsJSON,
		tr.LogsPath, tr.Error, tr.ErrorCode, tr.IdempotencyKey, tr.ScheduledAt, tr.StartedAt,
		tr.CompletedAt, tr.HeartbeatAt, tr.SelectedNext, metadataJSON, tr.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	return scanTaskRun(s.pool.QueryRow(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE id = $1`, id))
}

func (s *PostgresStore) listTaskRuns(ctx context.Context, query string, args ...any) ([]*TaskRun, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTaskRunsForPipelineRun(ctx context.Context, pipelineRunID string) ([]*TaskRun, error) {
	return s.listTaskRuns(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE pipeline_run_id = $1 ORDER BY created_at`, pipelineRunID)
}

// ClaimDueRuns locks dispatchable pending rows with FOR UPDATE SKIP LOCKED so
// concurrent orchestrators never hand the same run to two dispatchers, then
// trims the batch against per-task concurrency caps.
func (s *PostgresStore) ClaimDueRuns(ctx context.Context, req ClaimRequest) ([]*TaskRun, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	limit := req.Limit
	if limit <= 0 {
		return nil, nil
	}
	exclude := req.ExcludeRunIDs
	if exclude == nil {
		exclude = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	running := make(map[string]int)
	rows, err := tx.Query(ctx, `SELECT task_id, COUNT(*) FROM task_runs WHERE status='running' GROUP BY task_id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var taskID string
		var n int
		if err = rows.Scan(&taskID, &n); err != nil {
			rows.Close()
			return nil, err
		}
		running[taskID] = n
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	caps := make(map[string]int)
	rows, err = tx.Query(ctx, `SELECT id, concurrency FROM tasks WHERE concurrency > 0`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var taskID string
		var c int
		if err = rows.Scan(&taskID, &c); err != nil {
			rows.Close()
			return nil, err
		}
		caps[taskID] = c
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + taskRunColumns + `
		FROM task_runs
		WHERE status = 'pending' AND scheduled_at <= $1 AND NOT (id = ANY($2))
		ORDER BY priority ASC, scheduled_at ASC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	rows, err = tx.Query(ctx, query, now, exclude, limit*2)
	if err != nil {
		return nil, err
	}
	var candidates []*TaskRun
	for rows.Next() {
		var tr *TaskRun
		if tr, err = scanTaskRun(rows); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, tr)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*TaskRun
	for _, tr := range candidates {
		if len(claimed) >= limit {
			break
		}
		if taskCap, capped := caps[tr.TaskID]; capped && running[tr.TaskID] >= taskCap {
			continue
		}
		running[tr.TaskID]++
		claimed = append(claimed, tr)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) MarkTaskRunRunning(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		UPDATE task_runs SET status='running', started_at=$2, heartbeat_at=$2, updated_at=$2
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, id, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) PromoteWaitingTaskRun(ctx context.Context, id string, scheduledAt time.Time) error {
	query := `
		UPDATE task_runs SET status='pending', scheduled_at=$2, updated_at=$2
		WHERE id = $1 AND status = 'waiting'
	`
	tag, err := s.pool.Exec(ctx, query, id, scheduledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CompleteTaskRun(ctx context.Context, id string, from TaskRunStatus, c TaskRunCompletion) error {
	var assetsJSON []byte
	var err error
	if c.Assets != nil {
		if assetsJSON, err = json.Marshal(c.Assets); err != nil {
			return err
		}
	}
	query := `
		UPDATE task_runs SET status=$3, output_path=$4, output_size=$5, assets=$6, logs_path=$7,
			selected_next=$8, error=$9, error_code=$10, completed_at=$11, updated_at=$11
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, string(from), string(c.Status), c.OutputPath, c.OutputSize,
		assetsJSON, c.LogsPath, c.SelectedNext, c.Error, c.ErrorCode, c.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CancelTaskRunsForPipelineRun(ctx context.Context, pipelineRunID string, now time.Time) ([]string, error) {
	// RETURNING sees the post-update row, so the pre-update status is carried
	// through the locked subselect.
	rows, err := s.pool.Query(ctx, `
		WITH cancelled AS (
			UPDATE task_runs SET status='cancelled', completed_at=$2, updated_at=$2
			FROM (SELECT id AS run_id, status AS old_status FROM task_runs
			      WHERE pipeline_run_id = $1 AND status IN ('pending', 'waiting', 'running')
			      FOR UPDATE) prev
			WHERE task_runs.id = prev.run_id
			RETURNING prev.run_id, prev.old_status
		)
		SELECT run_id FROM cancelled WHERE old_status = 'running'
	`, pipelineRunID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var wasRunning []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		wasRunning = append(wasRunning, id)
	}
	return wasRunning, rows.Err()
}

func (s *PostgresStore) UpdateTaskRunHeartbeat(ctx context.Context, id string, at time.Time, progress map[string]any) (TaskRunStatus, error) {
	var progressJSON []byte
	var err error
	if len(progress) > 0 {
		if progressJSON, err = json.Marshal(progress); err != nil {
			return "", err
		}
	} else {
		progressJSON = []byte("{}")
	}
	query := `
		UPDATE task_runs SET heartbeat_at=$2, metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb, updated_at=$2
		WHERE id = $1 AND status = 'running'
	`
	if _, err := s.pool.Exec(ctx, query, id, at, progressJSON); err != nil {
		return "", err
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM task_runs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return TaskRunStatus(status), nil
}

func (s *PostgresStore) ListRunningTaskRuns(ctx context.Context) ([]*TaskRun, error) {
	return s.listTaskRuns(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE status = 'running'`)
}

func (s *PostgresStore) ListPriorAttempts(ctx context.Context, taskID, pipelineRunID, idempotencyKey string, beforeAttempt int) ([]*TaskRun, error) {
	switch {
	case pipelineRunID != "":
		return s.listTaskRuns(ctx, `
			SELECT `+taskRunColumns+` FROM task_runs
			WHERE task_id = $1 AND pipeline_run_id = $2 AND attempt < $3 ORDER BY attempt`,
			taskID, pipelineRunID, beforeAttempt)
	case idempotencyKey != "":
		return s.listTaskRuns(ctx, `
			SELECT `+taskRunColumns+` FROM task_runs
			WHERE task_id = $1 AND pipeline_run_id = '' AND idempotency_key = $2 AND attempt < $3 ORDER BY attempt`,
			taskID, idempotencyKey, beforeAttempt)
	default:
		return s.listTaskRuns(ctx, `
			SELECT `+taskRunColumns+` FROM task_runs
			WHERE task_id = $1 AND pipeline_run_id = '' AND attempt < $2 ORDER BY attempt`,
			taskID, beforeAttempt)
	}
}

func (s *PostgresStore) CountQueue(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'waiting')
		FROM task_runs
	`
	err := s.pool.QueryRow(ctx, query).Scan(&c.Pending, &c.Running, &c.Waiting)
	return c, err
}

func (s *PostgresStore) CountQueueByTask(ctx context.Context) ([]TaskQueueCount, error) {
	query := `
		SELECT task_id,
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'waiting'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM task_runs
		WHERE status IN ('pending', 'running', 'waiting')
		GROUP BY task_id ORDER BY task_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskQueueCount
	for rows.Next() {
		var tc TaskQueueCount
		if err := rows.Scan(&tc.TaskID, &tc.Pending, &tc.Running, &tc.Waiting, &tc.OldestPending); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OldestPendingSince(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MIN(created_at) FROM task_runs WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	return oldest, nil
}

func (s *PostgresStore) AverageWaitMs(ctx context.Context, since time.Time) (float64, error) {
	var avg *float64
	query := `
		SELECT AVG(EXTRACT(EPOCH FROM (started_at - created_at)) * 1000)
		FROM task_runs
		WHERE started_at IS NOT NULL AND created_at >= $1 AND started_at >= created_at
	`
	if err := s.pool.QueryRow(ctx, query, since).Scan(&avg); err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

func scopeClause(scope StatScope, scopeID string, argIndex int) (string, []any) {
	switch scope {
	case ScopeTask:
		return fmt.Sprintf(" AND tr.task_id = $%d", argIndex), []any{scopeID}
	case ScopeService:
		return fmt.Sprintf(" AND tr.service_id = $%d", argIndex), []any{scopeID}
	case ScopePipeline:
		return fmt.Sprintf(" AND tr.pipeline_run_id IN (SELECT id FROM pipeline_runs WHERE pipeline_id = $%d)", argIndex), []any{scopeID}
	}
	return "", nil
}

func (s *PostgresStore) ListTaskRunsCreatedBetween(ctx context.Context, from, to time.Time, scope StatScope, scopeID string) ([]*TaskRun, error) {
	query := `SELECT ` + taskRunColumns + ` FROM task_runs tr WHERE tr.created_at >= $1 AND tr.created_at < $2`
	args := []any{from, to}
	clause, extra := scopeClause(scope, scopeID, 3)
	query += clause
	args = append(args, extra...)
	return s.listTaskRuns(ctx, query, args...)
}

func (s *PostgresStore) CountBacklogAt(ctx context.Context, at time.Time, scope StatScope, scopeID string) (int, int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE (started_at IS NULL OR started_at > $1)
				AND (completed_at IS NULL OR completed_at > $1)),
			COUNT(*) FILTER (WHERE started_at IS NOT NULL AND started_at <= $1
				AND (completed_at IS NULL OR completed_at > $1))
		FROM task_runs tr
		WHERE tr.created_at <= $1
	`
	args := []any{at}
	clause, extra := scopeClause(scope, scopeID, 2)
	query += clause
	args = append(args, extra...)
	var queued, running int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&queued, &running)
	return queued, running, err
}
