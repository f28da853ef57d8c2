package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/lanterna-data/enrich-cli/internal/db"
	"github.com/lanterna-data/enrich-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	postgresUpsertResult = `INSERT INTO results (record_id, correlation_id, payload, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (record_id) DO UPDATE SET correlation_id = EXCLUDED.correlation_id, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
	postgresGetResult    = `SELECT payload FROM results WHERE record_id = $1`
	postgresSaveJob      = `INSERT INTO jobs (id, correlation_id, state, attempt, reason, payload, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO UPDATE SET correlation_id = EXCLUDED.correlation_id, state = EXCLUDED.state, attempt = EXCLUDED.attempt, reason = EXCLUDED.reason, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
	postgresAppendJobLog = `INSERT INTO job_log (id, job_id, attempt, started_at, finished_at, duration_ms, error, error_class, reason) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

// preparedStatements lists queries to prepare on each new connection.
// Every job transition is journaled, so save_job and append_job_log
// dominate the write path.
var preparedStatements = map[string]string{
	"upsert_result":  postgresUpsertResult,
	"get_result":     postgresGetResult,
	"save_job":       postgresSaveJob,
	"append_job_log": postgresAppendJobLog,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS results (
	record_id      TEXT PRIMARY KEY,
	correlation_id TEXT,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	correlation_id TEXT,
	state          TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 0,
	reason         TEXT,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_log (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	attempt     INTEGER NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error       TEXT,
	error_class TEXT,
	reason      TEXT,
	logged_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_log_job_id ON job_log(job_id);
CREATE INDEX IF NOT EXISTS idx_results_correlation_id ON results(correlation_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) UpsertResult(ctx context.Context, res *model.EnrichmentResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, postgresUpsertResult,
		res.RecordID, res.CorrelationID, payload, now, now,
	)
	return eris.Wrapf(err, "postgres: upsert result %s", res.RecordID)
}

func (s *PostgresStore) GetResult(ctx context.Context, recordID string) (*model.EnrichmentResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, postgresGetResult, recordID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s", recordID)
	}

	var res model.EnrichmentResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &res, nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal job %s", job.ID)
	}

	_, err = s.pool.Exec(ctx, postgresSaveJob,
		job.ID, job.CorrelationID, string(job.State), job.Attempt, string(job.Reason),
		payload, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

// jobColumns is the column order used by the SaveJobs bulk path.
var jobColumns = []string{"id", "correlation_id", "state", "attempt", "reason", "payload", "created_at", "updated_at"}

func (s *PostgresStore) SaveJobs(ctx context.Context, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		payload, err := json.Marshal(job)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal job %s", job.ID)
		}
		rows = append(rows, []any{
			job.ID, job.CorrelationID, string(job.State), job.Attempt, string(job.Reason),
			payload, job.CreatedAt, job.UpdatedAt,
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "jobs",
		Columns:      jobColumns,
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"correlation_id", "state", "attempt", "reason", "payload", "updated_at"},
	}, rows)
	return eris.Wrap(err, "postgres: save jobs")
}

func (s *PostgresStore) ListJobs(ctx context.Context, state model.JobState, limit int) ([]model.Job, error) {
	query := `SELECT payload FROM jobs`
	args := []any{}
	argIdx := 1

	if state != "" {
		query += fmt.Sprintf(` WHERE state = $%d`, argIdx)
		args = append(args, string(state))
		argIdx++
	}
	query += ` ORDER BY updated_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		var job model.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) CountJobsByState(ctx context.Context) (map[model.JobState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		counts[model.JobState(state)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

func (s *PostgresStore) AppendJobLog(ctx context.Context, jobID string, rec model.AttemptRecord) error {
	_, err := s.pool.Exec(ctx, postgresAppendJobLog,
		uuid.New().String(), jobID, rec.Attempt, rec.StartedAt, rec.FinishedAt,
		attemptDuration(rec).Milliseconds(), rec.Error, rec.ErrorClass, string(rec.Reason),
	)
	return eris.Wrapf(err, "postgres: append job log %s", jobID)
}
