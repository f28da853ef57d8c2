// Package store persists enrichment results and the job journal. Two
// drivers implement the same interface: an embedded SQLite file (the
// default) and Postgres for shared deployments.
package store

import (
	"context"
	"time"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// Store is the persistence boundary shared by the scheduler, the worker
// pool, and the inspection commands. The queue journals every job
// transition through it; the orchestrator writes results into it.
type Store interface {
	// Results
	UpsertResult(ctx context.Context, res *model.EnrichmentResult) error
	// GetResult returns (nil, nil) when no result exists for the record.
	GetResult(ctx context.Context, recordID string) (*model.EnrichmentResult, error)

	// Job journal
	SaveJob(ctx context.Context, job *model.Job) error
	// SaveJobs persists a batch in one round trip where the driver supports
	// it; the SQLite twin wraps the batch in a single transaction.
	SaveJobs(ctx context.Context, jobs []model.Job) error
	// ListJobs returns jobs in most-recently-updated order. An empty state
	// matches every state; limit <= 0 returns all matches.
	ListJobs(ctx context.Context, state model.JobState, limit int) ([]model.Job, error)
	CountJobsByState(ctx context.Context) (map[model.JobState]int, error)

	// Attempt log
	AppendJobLog(ctx context.Context, jobID string, rec model.AttemptRecord) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// attemptDuration guards against zero or inverted timestamps from
// interrupted attempts.
func attemptDuration(rec model.AttemptRecord) time.Duration {
	if rec.StartedAt.IsZero() || rec.FinishedAt.Before(rec.StartedAt) {
		return 0
	}
	return rec.FinishedAt.Sub(rec.StartedAt)
}
