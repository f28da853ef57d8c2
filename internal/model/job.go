package model

import "time"

// JobState is the lifecycle position of a resolution job.
//
// Legal transitions:
//
//	queued → active
//	active → succeeded | retrying | dead_lettered
//	retrying → queued (when the backoff expires)
//
// Terminal states (succeeded, dead_lettered) are immutable.
type JobState string

const (
	JobQueued       JobState = "queued"
	JobActive       JobState = "active"
	JobSucceeded    JobState = "succeeded"
	JobRetrying     JobState = "retrying"
	JobDeadLettered JobState = "dead_lettered"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobDeadLettered
}

// AttemptRecord is one row of a job's attempt history.
type AttemptRecord struct {
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Error      string     `json:"error,omitempty"`
	ErrorClass string     `json:"error_class,omitempty"`
	Reason     ReasonCode `json:"reason,omitempty"`
}

// Job is one unit of resolution work. The ID is a deterministic fingerprint
// of the normalized record, so re-submitting the same record yields the
// same job.
type Job struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Record        CompanyRecord   `json:"record"`
	State         JobState        `json:"state"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	NextRunAt     time.Time       `json:"next_run_at,omitempty"`
	History       []AttemptRecord `json:"history,omitempty"`
	Reason        ReasonCode      `json:"reason,omitempty"` // terminal reason for dead-lettered jobs
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
