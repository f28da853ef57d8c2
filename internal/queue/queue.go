// Package queue implements the resolution job queue: deterministic job ids,
// the Queued→Active→Succeeded|Retrying|DeadLettered state machine, retry
// scheduling on the shared backoff curve, and the worker pool that drains
// it. State is authoritative in memory; every transition is journaled
// through the store so job status and the DLQ survive restarts.
package queue

import (
	"context"
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
)

// Journal persists job transitions. Implemented by the store layer; nil
// disables journaling (tests, ephemeral one-shot runs).
type Journal interface {
	SaveJob(ctx context.Context, job *model.Job) error
	AppendJobLog(ctx context.Context, jobID string, rec model.AttemptRecord) error
}

// Config tunes the queue and its worker pool.
type Config struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxAttempts:    3,
		RetryBase:      2 * time.Second,
		RetryMax:       2 * time.Minute,
		JitterFraction: 0.2,
		PollInterval:   250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// DeriveID returns the deterministic job id for a record: SHA-1 hex over
// the name+locality fingerprint and the normalized phone digits. The same
// company submitted twice, from any file in any formatting, maps to one job.
func DeriveID(rec model.CompanyRecord) string {
	key := entity.Fingerprint(rec.Name, rec.City) + "|" + model.PhoneDigits(rec.Phone)
	return fmt.Sprintf("%x", sha1.Sum([]byte(key)))
}

// Queue holds every job of the current run, keyed by deterministic id. All
// transitions happen under one mutex, so a job can never be claimed twice.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	ready   []string             // FIFO of ids currently in Queued
	started map[string]time.Time // claim time of Active jobs

	cfg     Config
	journal Journal
	notify  chan struct{}
	nowFunc func() time.Time
}

// New creates an empty queue. journal may be nil.
func New(cfg Config, journal Journal) *Queue {
	return &Queue{
		jobs:    make(map[string]*model.Job),
		started: make(map[string]time.Time),
		cfg:     cfg.withDefaults(),
		journal: journal,
		notify:  make(chan struct{}, 1),
		nowFunc: time.Now,
	}
}

// WithNow fixes the queue's clock. Test hook.
func (q *Queue) WithNow(f func() time.Time) *Queue {
	q.nowFunc = f
	return q
}

// Enqueue registers a record for resolution. Idempotent on the derived job
// id: a record already known returns its existing job with created=false,
// whatever state it is in, active and terminal included.
func (q *Queue) Enqueue(ctx context.Context, rec model.CompanyRecord, correlationID string) (*model.Job, bool) {
	id := DeriveID(rec)

	q.mu.Lock()
	if existing, ok := q.jobs[id]; ok {
		snap := cloneJob(existing)
		q.mu.Unlock()
		zap.L().Debug("queue: duplicate enqueue",
			zap.String("job", id),
			zap.String("state", string(snap.State)),
		)
		return snap, false
	}
	now := q.nowFunc()
	job := &model.Job{
		ID:            id,
		CorrelationID: correlationID,
		Record:        rec,
		State:         model.JobQueued,
		MaxAttempts:   q.cfg.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q.jobs[id] = job
	q.ready = append(q.ready, id)
	snap := cloneJob(job)
	q.mu.Unlock()

	q.wake()
	q.journalSave(ctx, snap)
	return snap, true
}

// Dispatch blocks until a job is ready and claims it for the caller.
// Returns ctx.Err() when the context ends first.
func (q *Queue) Dispatch(ctx context.Context) (*model.Job, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if job := q.TryDispatch(ctx); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
			// Poll for retry backoffs expiring.
		}
	}
}

// TryDispatch claims the next ready job, or returns nil without blocking.
// Retrying jobs whose backoff has expired are promoted to Queued first;
// the Queued→Active move and the attempt increment happen under the lock.
func (q *Queue) TryDispatch(ctx context.Context) *model.Job {
	q.mu.Lock()
	now := q.nowFunc()
	promoted := q.promoteLocked(now)

	var claimed *model.Job
	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		job, ok := q.jobs[id]
		if !ok || job.State != model.JobQueued {
			continue // stale entry, the job moved on
		}
		job.State = model.JobActive
		job.Attempt++
		job.UpdatedAt = now
		q.started[id] = now
		claimed = cloneJob(job)
		break
	}
	q.mu.Unlock()

	for _, p := range promoted {
		q.journalSave(ctx, p)
	}
	if claimed != nil {
		q.journalSave(ctx, claimed)
		zap.L().Debug("queue: job claimed",
			zap.String("job", claimed.ID),
			zap.Int("attempt", claimed.Attempt),
		)
	}
	return claimed
}

// Complete finishes an Active job as Succeeded and appends its attempt
// record. Terminal: the job never runs again.
func (q *Queue) Complete(ctx context.Context, jobID string, res *model.EnrichmentResult) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return resilience.Logicf("queue: complete unknown job %s", jobID)
	}
	if job.State != model.JobActive {
		q.mu.Unlock()
		return resilience.Logicf("queue: illegal transition %s → %s for %s", job.State, model.JobSucceeded, jobID)
	}
	now := q.nowFunc()
	att := model.AttemptRecord{
		Attempt:    job.Attempt,
		StartedAt:  q.started[jobID],
		FinishedAt: now,
		Reason:     model.ReasonAccepted,
	}
	delete(q.started, jobID)
	job.State = model.JobSucceeded
	job.History = append(job.History, att)
	job.UpdatedAt = now
	snap := cloneJob(job)
	q.mu.Unlock()

	q.journalSave(ctx, snap)
	q.journalAttempt(ctx, jobID, att)

	values := 0
	if res != nil {
		for _, out := range res.Fields {
			if out.HasValue() {
				values++
			}
		}
	}
	zap.L().Info("queue: job succeeded",
		zap.String("job", jobID),
		zap.Int("attempt", snap.Attempt),
		zap.Int("values", values),
	)
	return nil
}

// Fail records a failed attempt for an Active job and routes it: a
// retryable error with attempts left reschedules the job with exponential
// backoff; anything else dead-letters it with the final classification.
// Validation failures dead-letter immediately whatever the attempt count.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	class := resilience.ErrorClass(cause)

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return resilience.Logicf("queue: fail unknown job %s", jobID)
	}
	if job.State != model.JobActive {
		q.mu.Unlock()
		return resilience.Logicf("queue: illegal transition %s → %s for %s", job.State, model.JobRetrying, jobID)
	}
	now := q.nowFunc()
	att := model.AttemptRecord{
		Attempt:    job.Attempt,
		StartedAt:  q.started[jobID],
		FinishedAt: now,
		Error:      cause.Error(),
		ErrorClass: class,
	}
	delete(q.started, jobID)
	job.History = append(job.History, att)
	job.UpdatedAt = now

	retry := resilience.Retryable(cause) && job.Attempt < job.MaxAttempts
	if retry {
		delay := resilience.Backoff(job.Attempt-1, q.cfg.RetryBase, q.cfg.RetryMax, q.cfg.JitterFraction)
		job.State = model.JobRetrying
		job.NextRunAt = now.Add(delay)
	} else {
		job.State = model.JobDeadLettered
		job.Reason = deadLetterReason(class)
		job.NextRunAt = time.Time{}
	}
	snap := cloneJob(job)
	q.mu.Unlock()

	q.journalSave(ctx, snap)
	q.journalAttempt(ctx, jobID, att)

	if retry {
		zap.L().Warn("queue: job failed, retry scheduled",
			zap.String("job", jobID),
			zap.Int("attempt", snap.Attempt),
			zap.String("class", class),
			zap.Time("next_run", snap.NextRunAt),
			zap.Error(cause),
		)
	} else {
		zap.L().Error("queue: job dead-lettered",
			zap.String("job", jobID),
			zap.Int("attempts", snap.Attempt),
			zap.String("class", class),
			zap.String("reason", string(snap.Reason)),
			zap.Error(cause),
		)
	}
	return nil
}

// Release hands an Active job back unprocessed, for shutdowns that
// interrupt a worker before its attempt ran to completion. The attempt
// counter rolls back and no history row is written: the next run starts
// where this one stopped.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return resilience.Logicf("queue: release unknown job %s", jobID)
	}
	if job.State != model.JobActive {
		q.mu.Unlock()
		return resilience.Logicf("queue: illegal transition %s → %s for %s", job.State, model.JobQueued, jobID)
	}
	job.State = model.JobQueued
	job.Attempt--
	job.UpdatedAt = q.nowFunc()
	delete(q.started, jobID)
	q.ready = append(q.ready, jobID)
	snap := cloneJob(job)
	q.mu.Unlock()

	q.wake()
	q.journalSave(ctx, snap)
	zap.L().Info("queue: job released", zap.String("job", jobID))
	return nil
}

// Restore seeds the queue from journaled state at startup. Jobs that were
// Active when the previous process died are re-queued; their claimed
// attempt stands, so a job that crashes the worker repeatedly still runs
// out of attempts. Terminal jobs are kept for status and DLQ visibility.
// Returns how many restored jobs are still runnable.
func (q *Queue) Restore(jobs []model.Job) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	runnable := 0
	for i := range jobs {
		job := jobs[i]
		if _, ok := q.jobs[job.ID]; ok {
			continue
		}
		if job.State == model.JobActive {
			job.State = model.JobQueued
		}
		j := cloneJob(&job)
		q.jobs[j.ID] = j
		if j.State == model.JobQueued {
			q.ready = append(q.ready, j.ID)
		}
		if !j.State.Terminal() {
			runnable++
		}
	}
	if runnable > 0 {
		q.wake()
	}
	return runnable
}

// DeadLettered returns the dead-letter queue, most recently parked first.
func (q *Queue) DeadLettered() []model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.Job
	for _, job := range q.jobs {
		if job.State == model.JobDeadLettered {
			out = append(out, *cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns a copy of every job the queue tracks, oldest first.
// Callers use it to re-journal the full queue state in one batch.
func (q *Queue) Snapshot() []model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts reports how many jobs sit in each state.
func (q *Queue) Counts() map[model.JobState]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[model.JobState]int)
	for _, job := range q.jobs {
		out[job.State]++
	}
	return out
}

// Pending reports how many jobs still need work: queued, active, or
// waiting out a retry backoff.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, job := range q.jobs {
		if !job.State.Terminal() {
			n++
		}
	}
	return n
}

// Get returns a copy of the job with the given id, or nil.
func (q *Queue) Get(jobID string) *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.jobs[jobID]; ok {
		return cloneJob(job)
	}
	return nil
}

// promoteLocked moves Retrying jobs whose NextRunAt has passed back to
// Queued. Caller holds the lock; returns snapshots for journaling.
func (q *Queue) promoteLocked(now time.Time) []*model.Job {
	var promoted []*model.Job
	for id, job := range q.jobs {
		if job.State == model.JobRetrying && !job.NextRunAt.After(now) {
			job.State = model.JobQueued
			job.NextRunAt = time.Time{}
			job.UpdatedAt = now
			q.ready = append(q.ready, id)
			promoted = append(promoted, cloneJob(job))
		}
	}
	return promoted
}

// deadLetterReason buckets a terminal failure class into the closed reason
// set carried by the DLQ.
func deadLetterReason(class string) model.ReasonCode {
	switch class {
	case "validation", "logic":
		return model.ReasonValidationFailed
	case "blocked":
		return model.ReasonBlocked
	default:
		// Retry budget spent on transient failures.
		return model.ReasonBudgetExceeded
	}
}

// wake nudges one blocked Dispatch without ever blocking the caller.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) journalSave(ctx context.Context, job *model.Job) {
	if q.journal == nil {
		return
	}
	if err := q.journal.SaveJob(ctx, job); err != nil {
		zap.L().Warn("queue: journal save failed", zap.String("job", job.ID), zap.Error(err))
	}
}

func (q *Queue) journalAttempt(ctx context.Context, jobID string, rec model.AttemptRecord) {
	if q.journal == nil {
		return
	}
	if err := q.journal.AppendJobLog(ctx, jobID, rec); err != nil {
		zap.L().Warn("queue: journal attempt failed", zap.String("job", jobID), zap.Error(err))
	}
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	if len(j.History) > 0 {
		c.History = append([]model.AttemptRecord(nil), j.History...)
	}
	return &c
}
