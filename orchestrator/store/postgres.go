package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saritra/pipeweave/orchestrator/schema"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	version TEXT NOT NULL DEFAULT '',
	base_url TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	service_id TEXT NOT NULL REFERENCES services(id),
	code_hash TEXT NOT NULL,
	code_version INT NOT NULL DEFAULT 1,
	allowed_next TEXT[] NOT NULL DEFAULT '{}',
	timeout_seconds INT NOT NULL DEFAULT 300,
	retries INT NOT NULL DEFAULT 0,
	retry_backoff TEXT NOT NULL DEFAULT 'exponential',
	retry_delay_ms BIGINT NOT NULL DEFAULT 1000,
	max_retry_delay_ms BIGINT NOT NULL DEFAULT 60000,
	heartbeat_interval_ms BIGINT NOT NULL DEFAULT 10000,
	concurrency INT NOT NULL DEFAULT 0,
	priority INT NOT NULL DEFAULT 5,
	idempotency_ttl_seconds BIGINT NOT NULL DEFAULT 0,
	input_schema JSONB,
	fatal_error_prefixes TEXT[] NOT NULL DEFAULT '{FATAL_}',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS task_code_history (
	task_id TEXT NOT NULL,
	code_version INT NOT NULL,
	code_hash TEXT NOT NULL,
	service_version TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (task_id, code_version)
);
CREATE TABLE IF NOT EXISTS pipelines (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	entry_task_ids TEXT[] NOT NULL DEFAULT '{}',
	pipeline_version TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	status TEXT NOT NULL,
	failure_mode TEXT NOT NULL DEFAULT 'fail-fast',
	input_path TEXT NOT NULL DEFAULT '',
	output_path TEXT NOT NULL DEFAULT '',
	structure JSONB NOT NULL DEFAULT '{}',
	pipeline_version TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	pipeline_run_id TEXT NOT NULL DEFAULT '',
	service_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	code_version INT NOT NULL DEFAULT 1,
	code_hash TEXT NOT NULL DEFAULT '',
	attempt INT NOT NULL DEFAULT 1,
	max_retries INT NOT NULL DEFAULT 0,
	priority INT NOT NULL DEFAULT 5,
	input_path TEXT NOT NULL DEFAULT '',
	output_path TEXT NOT NULL DEFAULT '',
	output_size BIGINT,
	assets JSONB,
	logs_path TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	heartbeat_at TIMESTAMPTZ,
	selected_next TEXT[],
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS task_runs_unique_attempt
	ON task_runs (pipeline_run_id, task_id, attempt) WHERE pipeline_run_id <> '';
CREATE INDEX IF NOT EXISTS task_runs_claim
	ON task_runs (status, scheduled_at, priority);
CREATE INDEX IF NOT EXISTS task_runs_pipeline ON task_runs (pipeline_run_id);
CREATE TABLE IF NOT EXISTS dlq_items (
	id TEXT PRIMARY KEY,
	task_run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	pipeline_run_id TEXT NOT NULL DEFAULT '',
	code_version INT NOT NULL DEFAULT 1,
	code_hash TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	attempts INT NOT NULL DEFAULT 1,
	input_path TEXT NOT NULL DEFAULT '',
	failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	retried_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS idempotency_cache (
	key TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	code_version INT NOT NULL,
	output_path TEXT NOT NULL,
	output_size BIGINT,
	assets JSONB,
	originating_run_id TEXT NOT NULL DEFAULT '',
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS orchestrator_state (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL DEFAULT 'running',
	mode_changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	pending_tasks_count INT NOT NULL DEFAULT 0,
	running_tasks_count INT NOT NULL DEFAULT 0,
	metadata JSONB
);
CREATE TABLE IF NOT EXISTS temp_uploads (
	id TEXT PRIMARY KEY,
	storage_path TEXT NOT NULL,
	storage_backend_id TEXT NOT NULL DEFAULT 'default',
	original_filename TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL DEFAULT 0,
	uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	claimed_by_run_id TEXT NOT NULL DEFAULT '',
	deleted_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS stat_buckets (
	bucket_timestamp TIMESTAMPTZ NOT NULL,
	bucket_size TEXT NOT NULL,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	is_complete BOOLEAN NOT NULL DEFAULT FALSE,
	last_built_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (bucket_timestamp, bucket_size, scope, scope_id)
);
`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Services & tasks ---

func (s *PostgresStore) UpsertService(ctx context.Context, svc *Service) error {
	query := `
		INSERT INTO services (id, version, base_url, registered_at, last_seen_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			base_url = EXCLUDED.base_url,
			last_seen_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, svc.ID, svc.Version, svc.BaseURL)
	return err
}

func (s *PostgresStore) GetService(ctx context.Context, id string) (*Service, error) {
	query := `SELECT id, version, base_url, registered_at, last_seen_at FROM services WHERE id = $1`
	var svc Service
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&svc.ID, &svc.Version, &svc.BaseURL, &svc.RegisteredAt, &svc.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

const taskColumns = `id, service_id, code_hash, code_version, allowed_next, timeout_seconds,
	retries, retry_backoff, retry_delay_ms, max_retry_delay_ms, heartbeat_interval_ms,
	concurrency, priority, idempotency_ttl_seconds, input_schema, fatal_error_prefixes,
	description, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var schemaJSON []byte
	err := row.Scan(
		&t.ID, &t.ServiceID, &t.CodeHash, &t.CodeVersion, &t.AllowedNext, &t.TimeoutSeconds,
		&t.Retries, &t.RetryBackoff, &t.RetryDelayMs, &t.MaxRetryDelayMs, &t.HeartbeatIntervalMs,
		&t.Concurrency, &t.Priority, &t.IdempotencyTTLSec, &schemaJSON, &t.FatalErrorPrefixes,
		&t.Description, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(schemaJSON) > 0 {
		var is schema.InputSchema
		if err := json.Unmarshal(schemaJSON, &is); err != nil {
			return nil, err
		}
		t.InputSchema = &is
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

func (s *PostgresStore) ListTasksByService(ctx context.Context, serviceID string) ([]*Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE service_id = $1 ORDER BY id`, serviceID)
}

func (s *PostgresStore) taskArgs(t *Task) ([]any, error) {
	var schemaJSON []byte
	if t.InputSchema != nil {
		var err error
		schemaJSON, err = json.Marshal(t.InputSchema)
		if err != nil {
			return nil, err
		}
	}
	allowedNext := t.AllowedNext
	if allowedNext == nil {
		allowedNext = []string{}
	}
	prefixes := t.FatalErrorPrefixes
	if prefixes == nil {
		prefixes = []string{"FATAL_"}
	}
	return []any{
		t.ID, t.ServiceID, t.CodeHash, t.CodeVersion, allowedNext, t.TimeoutSeconds,
		t.Retries, t.RetryBackoff, t.RetryDelayMs, t.MaxRetryDelayMs, t.HeartbeatIntervalMs,
		t.Concurrency, t.Priority, t.IdempotencyTTLSec, schemaJSON, prefixes, t.Description,
	}, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, t *Task) error {
	args, err := s.taskArgs(t)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tasks (id, service_id, code_hash, code_version, allowed_next, timeout_seconds,
			retries, retry_backoff, retry_delay_ms, max_retry_delay_ms, heartbeat_interval_ms,
			concurrency, priority, idempotency_ttl_seconds, input_schema, fatal_error_prefixes,
			description, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW(),NOW())
	`
	_, err = s.pool.Exec(ctx, query, args...)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	args, err := s.taskArgs(t)
	if err != nil {
		return err
	}
	query := `
		UPDATE tasks SET service_id=$2, code_hash=$3, code_version=$4, allowed_next=$5,
			timeout_seconds=$6, retries=$7, retry_backoff=$8, retry_delay_ms=$9,
			max_retry_delay_ms=$10, heartbeat_interval_ms=$11, concurrency=$12, priority=$13,
			idempotency_ttl_seconds=$14, input_schema=$15, fatal_error_prefixes=$16,
			description=$17, updated_at=NOW()
		WHERE id=$1
	`
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendTaskCodeHistory(ctx context.Context, h *TaskCodeHistory) error {
	query := `
		INSERT INTO task_code_history (task_id, code_version, code_hash, service_version, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.pool.Exec(ctx, query, h.TaskID, h.CodeVersion, h.CodeHash, h.ServiceVersion, h.RecordedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) ListTaskCodeHistory(ctx context.Context, taskID string) ([]*TaskCodeHistory, error) {
	query := `
		SELECT task_id, code_version, code_hash, service_version, recorded_at
		FROM task_code_history WHERE task_id = $1 ORDER BY code_version
	`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TaskCodeHistory
	for rows.Next() {
		var h TaskCodeHistory
		if err := rows.Scan(&h.TaskID, &h.CodeVersion, &h.CodeHash, &h.ServiceVersion, &h.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelPendingRunsForTask(ctx context.Context, taskID string, now time.Time) (int, error) {
	query := `
		UPDATE task_runs SET status='cancelled', completed_at=$2, updated_at=$2
		WHERE task_id = $1 AND status IN ('pending', 'waiting')
	`
	tag, err := s.pool.Exec(ctx, query, taskID, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Pipelines ---

func (s *PostgresStore) UpsertPipeline(ctx context.Context, p *Pipeline) error {
	entry := p.EntryTaskIDs
	if entry == nil {
		entry = []string{}
	}
	query := `
		INSERT INTO pipelines (id, name, entry_task_ids, pipeline_version, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			entry_task_ids = EXCLUDED.entry_task_ids,
			pipeline_version = EXCLUDED.pipeline_version,
			description = EXCLUDED.description,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, p.ID, p.Name, entry, p.PipelineVersion, p.Description)
	return err
}

func (s *PostgresStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	query := `SELECT id, name, entry_task_ids, pipeline_version, description, created_at, updated_at FROM pipelines WHERE id = $1`
	var p Pipeline
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.EntryTaskIDs, &p.PipelineVersion, &p.Description, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	query := `SELECT id, name, entry_task_ids, pipeline_version, description, created_at, updated_at FROM pipelines ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Pipeline
	for rows.Next() {
		var p Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.EntryTaskIDs, &p.PipelineVersion, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
