package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// --- Dead letter queue ---

const dlqColumns = `id, task_run_id, task_id, pipeline_run_id, code_version, code_hash,
	error, error_code, attempts, input_path, failed_at, retried_at`

func scanDLQItem(row pgx.Row) (*DLQItem, error) {
	var item DLQItem
	err := row.Scan(
		&item.ID, &item.TaskRunID, &item.TaskID, &item.PipelineRunID, &item.CodeVersion,
		&item.CodeHash, &item.Error, &item.ErrorCode, &item.Attempts, &item.InputPath,
		&item.FailedAt, &item.RetriedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *PostgresStore) InsertDLQItem(ctx context.Context, item *DLQItem) error {
	query := `
		INSERT INTO dlq_items (id, task_run_id, task_id, pipeline_run_id, code_version, code_hash,
			error, error_code, attempts, input_path, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err := s.pool.Exec(ctx, query,
		item.ID, item.TaskRunID, item.TaskID, item.PipelineRunID, item.CodeVersion, item.CodeHash,
		item.Error, item.ErrorCode, item.Attempts, item.InputPath, item.FailedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetDLQItem(ctx context.Context, id string) (*DLQItem, error) {
	return scanDLQItem(s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dlq_items WHERE id = $1`, id))
}

func (s *PostgresStore) ListDLQItems(ctx context.Context, f DLQFilter) ([]*DLQItem, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_items WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if f.TaskID != "" {
		add(" AND task_id = $%d", f.TaskID)
	}
	if f.PipelineRunID != "" {
		add(" AND pipeline_run_id = $%d", f.PipelineRunID)
	}
	if f.PipelineID != "" {
		add(" AND pipeline_run_id IN (SELECT id FROM pipeline_runs WHERE pipeline_id = $%d)", f.PipelineID)
	}
	if f.From != nil {
		add(" AND failed_at >= $%d", *f.From)
	}
	if f.To != nil {
		add(" AND failed_at <= $%d", *f.To)
	}
	query += " ORDER BY failed_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	add(" LIMIT $%d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DLQItem
	for rows.Next() {
		item, err := scanDLQItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDLQRetried(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dlq_items SET retried_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeDLQ(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dlq_items WHERE failed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountDLQBetween(ctx context.Context, from, to time.Time, scope StatScope, scopeID string) (int, error) {
	query := `SELECT COUNT(*) FROM dlq_items d WHERE d.failed_at >= $1 AND d.failed_at < $2`
	args := []any{from, to}
	switch scope {
	case ScopeTask:
		args = append(args, scopeID)
		query += fmt.Sprintf(" AND d.task_id = $%d", len(args))
	case ScopePipeline:
		args = append(args, scopeID)
		query += fmt.Sprintf(" AND d.pipeline_run_id IN (SELECT id FROM pipeline_runs WHERE pipeline_id = $%d)", len(args))
	case ScopeService:
		args = append(args, scopeID)
		query += fmt.Sprintf(" AND d.task_run_id IN (SELECT id FROM task_runs WHERE service_id = $%d)", len(args))
	}
	var n int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// --- Idempotency cache ---

func (s *PostgresStore) GetCachedResult(ctx context.Context, key string, now time.Time) (*CachedResult, error) {
	query := `
		SELECT key, task_id, code_version, output_path, output_size, assets,
			originating_run_id, inserted_at, expires_at
		FROM idempotency_cache WHERE key = $1 AND expires_at > $2
	`
	var r CachedResult
	var assetsJSON []byte
	err := s.pool.QueryRow(ctx, query, key, now).Scan(
		&r.Key, &r.TaskID, &r.CodeVersion, &r.OutputPath, &r.OutputSize, &assetsJSON,
		&r.OriginatingRunID, &r.InsertedAt, &r.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(assetsJSON) > 0 {
		if err := json.Unmarshal(assetsJSON, &r.Assets); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *PostgresStore) PutCachedResult(ctx context.Context, r *CachedResult) error {
	var assetsJSON []byte
	var err error
	if r.Assets != nil {
		if assetsJSON, err = json.Marshal(r.Assets); err != nil {
			return err
		}
	}
	query := `
		INSERT INTO idempotency_cache (key, task_id, code_version, output_path, output_size,
			assets, originating_run_id, inserted_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (key) DO UPDATE SET
			code_version = EXCLUDED.code_version,
			output_path = EXCLUDED.output_path,
			output_size = EXCLUDED.output_size,
			assets = EXCLUDED.assets,
			originating_run_id = EXCLUDED.originating_run_id,
			inserted_at = EXCLUDED.inserted_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err = s.pool.Exec(ctx, query, r.Key, r.TaskID, r.CodeVersion, r.OutputPath, r.OutputSize,
		assetsJSON, r.OriginatingRunID, r.InsertedAt, r.ExpiresAt)
	return err
}

func (s *PostgresStore) DeleteExpiredCachedResults(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Orchestrator state singleton ---

const stateRowID = "singleton"

func (s *PostgresStore) GetOrchestratorState(ctx context.Context) (*OrchestratorState, error) {
	// Seed lazily on first access.
	seed := `
		INSERT INTO orchestrator_state (id, mode, mode_changed_at)
		VALUES ($1, 'running', NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, seed, stateRowID); err != nil {
		return nil, err
	}
	query := `
		SELECT mode, mode_changed_at, pending_tasks_count, running_tasks_count, metadata
		FROM orchestrator_state WHERE id = $1
	`
	var st OrchestratorState
	var mode string
	var metadataJSON []byte
	err := s.pool.QueryRow(ctx, query, stateRowID).Scan(
		&mode, &st.ModeChangedAt, &st.PendingTasksCount, &st.RunningTasksCount, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	st.Mode = OrchestratorMode(mode)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &st.Metadata); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func (s *PostgresStore) TransitionOrchestratorMode(ctx context.Context, from, to OrchestratorMode, at time.Time) error {
	if _, err := s.GetOrchestratorState(ctx); err != nil {
		return err
	}
	query := `
		UPDATE orchestrator_state SET mode = $3, mode_changed_at = $4
		WHERE id = $1 AND mode = $2
	`
	tag, err := s.pool.Exec(ctx, query, stateRowID, string(from), string(to), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) UpdateOrchestratorCounts(ctx context.Context, pending, running int) error {
	if _, err := s.GetOrchestratorState(ctx); err != nil {
		return err
	}
	query := `UPDATE orchestrator_state SET pending_tasks_count = $2, running_tasks_count = $3 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, stateRowID, pending, running)
	return err
}

// --- Temp uploads ---

const tempUploadColumns = `id, storage_path, storage_backend_id, original_filename, mime_type,
	size, uploaded_at, expires_at, claimed_by_run_id, deleted_at`

func scanTempUpload(row pgx.Row) (*TempUpload, error) {
	var u TempUpload
	err := row.Scan(
		&u.ID, &u.StoragePath, &u.StorageBackendID, &u.OriginalFilename, &u.MimeType,
		&u.Size, &u.UploadedAt, &u.ExpiresAt, &u.ClaimedByRunID, &u.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateTempUpload(ctx context.Context, u *TempUpload) error {
	query := `
		INSERT INTO temp_uploads (id, storage_path, storage_backend_id, original_filename,
			mime_type, size, uploaded_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := s.pool.Exec(ctx, query, u.ID, u.StoragePath, u.StorageBackendID, u.OriginalFilename,
		u.MimeType, u.Size, u.UploadedAt, u.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetTempUpload(ctx context.Context, id string) (*TempUpload, error) {
	return scanTempUpload(s.pool.QueryRow(ctx, `SELECT `+tempUploadColumns+` FROM temp_uploads WHERE id = $1`, id))
}

func (s *PostgresStore) ClaimTempUpload(ctx context.Context, id, runID string) (bool, error) {
	// Conditional update guarantees at-most-one claim.
	query := `
		UPDATE temp_uploads SET claimed_by_run_id = $2
		WHERE id = $1 AND claimed_by_run_id = '' AND deleted_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, runID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTempUpload(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) ListExpiredUnclaimedUploads(ctx context.Context, now time.Time, limit int) ([]*TempUpload, error) {
	query := `
		SELECT ` + tempUploadColumns + ` FROM temp_uploads
		WHERE expires_at < $1 AND claimed_by_run_id = '' AND deleted_at IS NULL
		ORDER BY expires_at LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TempUpload
	for rows.Next() {
		u, err := scanTempUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkTempUploadDeleted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE temp_uploads SET deleted_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteArchivedTempUploads(ctx context.Context, deletedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM temp_uploads WHERE deleted_at IS NOT NULL AND deleted_at < $1`, deletedBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Statistics buckets ---

// Bucket rows persist their aggregate payload as one JSONB document; the key
// columns stay relational for range scans.
func (s *PostgresStore) GetStatBucket(ctx context.Context, scope StatScope, scopeID string, size BucketSize, ts time.Time) (*StatBucket, error) {
	query := `
		SELECT payload FROM stat_buckets
		WHERE bucket_timestamp = $1 AND bucket_size = $2 AND scope = $3 AND scope_id = $4
	`
	var payload []byte
	err := s.pool.QueryRow(ctx, query, ts, string(size), string(scope), scopeID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b StatBucket
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) UpsertStatBucket(ctx context.Context, b *StatBucket) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO stat_buckets (bucket_timestamp, bucket_size, scope, scope_id, payload, is_complete, last_built_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (bucket_timestamp, bucket_size, scope, scope_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			is_complete = EXCLUDED.is_complete,
			last_built_at = EXCLUDED.last_built_at
	`
	_, err = s.pool.Exec(ctx, query, b.BucketTimestamp, string(b.BucketSize), string(b.Scope),
		b.ScopeID, payload, b.IsComplete, b.LastBuiltAt)
	return err
}
