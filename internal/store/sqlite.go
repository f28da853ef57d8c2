package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS results (
	record_id      TEXT PRIMARY KEY,
	correlation_id TEXT,
	payload        TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	correlation_id TEXT,
	state          TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 0,
	reason         TEXT,
	payload        TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_log (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	attempt     INTEGER NOT NULL,
	started_at  DATETIME,
	finished_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	error_class TEXT,
	reason      TEXT,
	logged_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
CREATE INDEX IF NOT EXISTS idx_job_log_job_id ON job_log(job_id);
CREATE INDEX IF NOT EXISTS idx_results_correlation_id ON results(correlation_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertResult(ctx context.Context, res *model.EnrichmentResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (record_id, correlation_id, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_id) DO UPDATE SET
		   correlation_id = excluded.correlation_id,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		res.RecordID, res.CorrelationID, string(payload), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert result %s", res.RecordID)
}

func (s *SQLiteStore) GetResult(ctx context.Context, recordID string) (*model.EnrichmentResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM results WHERE record_id = ?`,
		recordID,
	)

	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", recordID)
	}

	var res model.EnrichmentResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &res, nil
}

const sqliteSaveJob = `
INSERT INTO jobs (id, correlation_id, state, attempt, reason, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  correlation_id = excluded.correlation_id,
  state = excluded.state,
  attempt = excluded.attempt,
  reason = excluded.reason,
  payload = excluded.payload,
  updated_at = excluded.updated_at`

func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.Job) error {
	args, err := sqliteJobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteSaveJob, args...)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

func (s *SQLiteStore) SaveJobs(ctx context.Context, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range jobs {
		args, err := sqliteJobArgs(&jobs[i])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqliteSaveJob, args...); err != nil {
			return eris.Wrapf(err, "sqlite: save job %s", jobs[i].ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit jobs")
}

func (s *SQLiteStore) ListJobs(ctx context.Context, state model.JobState, limit int) ([]model.Job, error) {
	query := `SELECT payload FROM jobs`
	var args []any

	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY updated_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		var job model.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) CountJobsByState(ctx context.Context) (map[model.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		counts[model.JobState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

func (s *SQLiteStore) AppendJobLog(ctx context.Context, jobID string, rec model.AttemptRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_log (id, job_id, attempt, started_at, finished_at, duration_ms, error, error_class, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), jobID, rec.Attempt, rec.StartedAt, rec.FinishedAt,
		attemptDuration(rec).Milliseconds(), rec.Error, rec.ErrorClass, string(rec.Reason),
	)
	return eris.Wrapf(err, "sqlite: append job log %s", jobID)
}

// helpers

func sqliteJobArgs(job *model.Job) ([]any, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: marshal job %s", job.ID)
	}
	return []any{
		job.ID, job.CorrelationID, string(job.State), job.Attempt, string(job.Reason),
		string(payload), job.CreatedAt, job.UpdatedAt,
	}, nil
}
