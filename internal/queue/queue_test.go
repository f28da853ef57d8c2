package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterna-data/enrich-cli/internal/classify"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
)

func testConfig() Config {
	return Config{
		Workers:        2,
		MaxAttempts:    3,
		RetryBase:      time.Millisecond,
		RetryMax:       5 * time.Millisecond,
		JitterFraction: 0,
		PollInterval:   5 * time.Millisecond,
	}
}

func testRecord() model.CompanyRecord {
	return model.CompanyRecord{
		Name:  "Termoidraulica Rossi S.n.c.",
		City:  "Bergamo",
		Phone: "+39 035 123456",
	}
}

func networkErr() error {
	return resilience.NewNetworkError(eris.New("i/o timeout"), "registry")
}

// memJournal records every journaled transition in order.
type memJournal struct {
	mu    sync.Mutex
	saves []model.Job
	logs  map[string][]model.AttemptRecord
}

func newMemJournal() *memJournal {
	return &memJournal{logs: make(map[string][]model.AttemptRecord)}
}

func (m *memJournal) SaveJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, *job)
	return nil
}

func (m *memJournal) AppendJobLog(_ context.Context, jobID string, rec model.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[jobID] = append(m.logs[jobID], rec)
	return nil
}

func (m *memJournal) states(jobID string) []model.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobState
	for _, j := range m.saves {
		if j.ID == jobID {
			out = append(out, j.State)
		}
	}
	return out
}

func TestDeriveID_NormalizesBeforeHashing(t *testing.T) {
	a := model.CompanyRecord{Name: "Rossi S.n.c.", City: "Milano", Phone: "+39 02 8812345"}
	b := model.CompanyRecord{Name: "ROSSI SNC", City: "milano", Phone: "0039 02 8812345"}

	assert.Equal(t, DeriveID(a), DeriveID(b),
		"formatting and legal-form spelling never change the id")
	assert.Len(t, DeriveID(a), 40)

	c := a
	c.City = "Monza"
	assert.NotEqual(t, DeriveID(a), DeriveID(c), "locality is part of the identity")
}

func TestEnqueue_IsIdempotent(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()

	j1, created := q.Enqueue(ctx, testRecord(), "corr-1")
	require.True(t, created)
	assert.Equal(t, model.JobQueued, j1.State)
	assert.Equal(t, 3, j1.MaxAttempts)

	j2, created := q.Enqueue(ctx, testRecord(), "corr-2")
	assert.False(t, created)
	assert.Equal(t, j1.ID, j2.ID)
	assert.Equal(t, "corr-1", j2.CorrelationID, "the existing job is returned untouched")
	assert.Equal(t, 1, q.Pending())

	// Still idempotent while the job is in flight.
	claimed := q.TryDispatch(ctx)
	require.NotNil(t, claimed)
	j3, created := q.Enqueue(ctx, testRecord(), "corr-3")
	assert.False(t, created)
	assert.Equal(t, model.JobActive, j3.State)
}

func TestDispatch_ClaimsInArrivalOrder(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()

	second := model.CompanyRecord{Name: "Autotrasporti Bianchi S.r.l.", City: "Milano", Phone: "+39 02 555555"}
	q.Enqueue(ctx, testRecord(), "")
	q.Enqueue(ctx, second, "")

	j1, err := q.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, DeriveID(testRecord()), j1.ID)
	assert.Equal(t, model.JobActive, j1.State)
	assert.Equal(t, 1, j1.Attempt)

	j2, err := q.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, DeriveID(second), j2.ID)

	assert.Nil(t, q.TryDispatch(ctx), "nothing queued is left")
}

func TestDispatch_BlocksUntilWork(t *testing.T) {
	q := New(testConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *model.Job, 1)
	go func() {
		j, _ := q.Dispatch(ctx)
		got <- j
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(context.Background(), testRecord(), "")

	select {
	case j := <-got:
		require.NotNil(t, j)
		assert.Equal(t, DeriveID(testRecord()), j.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never woke up")
	}
}

func TestDispatch_HonorsContext(t *testing.T) {
	q := New(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j, err := q.Dispatch(ctx)
	assert.Nil(t, j)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComplete_TerminalAndImmutable(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()

	q.Enqueue(ctx, testRecord(), "")
	j := q.TryDispatch(ctx)
	require.NotNil(t, j)

	require.NoError(t, q.Complete(ctx, j.ID, nil))

	got := q.Get(j.ID)
	require.NotNil(t, got)
	assert.Equal(t, model.JobSucceeded, got.State)
	require.Len(t, got.History, 1)
	assert.Equal(t, 1, got.History[0].Attempt)
	assert.Equal(t, model.ReasonAccepted, got.History[0].Reason)
	assert.False(t, got.History[0].FinishedAt.IsZero())

	err := q.Complete(ctx, j.ID, nil)
	require.Error(t, err, "terminal states admit no transitions")
	assert.Equal(t, "logic", resilience.ErrorClass(err))

	j2, created := q.Enqueue(ctx, testRecord(), "")
	assert.False(t, created)
	assert.Equal(t, model.JobSucceeded, j2.State, "re-submitting a finished record is a no-op")
}

func TestFail_SchedulesRetryWithBackoff(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)
	q.WithNow(func() time.Time { return clock })

	q.Enqueue(ctx, testRecord(), "")
	j := q.TryDispatch(ctx)
	require.NotNil(t, j)

	require.NoError(t, q.Fail(ctx, j.ID, networkErr()))

	got := q.Get(j.ID)
	assert.Equal(t, model.JobRetrying, got.State)
	assert.Equal(t, clock.Add(time.Millisecond), got.NextRunAt, "first retry waits out base*2^0")
	require.Len(t, got.History, 1)
	assert.Equal(t, "network", got.History[0].ErrorClass)

	assert.Nil(t, q.TryDispatch(ctx), "backoff has not expired yet")

	clock = clock.Add(2 * time.Millisecond)
	j2 := q.TryDispatch(ctx)
	require.NotNil(t, j2, "expired backoff promotes the job")
	assert.Equal(t, 2, j2.Attempt)
}

func TestFail_ExhaustedAttemptsDeadLetter(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)
	q.WithNow(func() time.Time { return clock })

	q.Enqueue(ctx, testRecord(), "")
	var id string
	for attempt := 1; attempt <= 3; attempt++ {
		j := q.TryDispatch(ctx)
		require.NotNil(t, j, "attempt %d", attempt)
		assert.Equal(t, attempt, j.Attempt)
		id = j.ID
		require.NoError(t, q.Fail(ctx, id, networkErr()))
		clock = clock.Add(time.Minute)
	}

	got := q.Get(id)
	assert.Equal(t, model.JobDeadLettered, got.State)
	assert.Equal(t, model.ReasonBudgetExceeded, got.Reason, "retry budget spent")
	require.Len(t, got.History, 3)
	for i, att := range got.History {
		assert.Equal(t, i+1, att.Attempt)
		assert.Equal(t, "network", att.ErrorClass)
	}

	assert.Nil(t, q.TryDispatch(ctx), "dead-lettered jobs never run again")
	dlq := q.DeadLettered()
	require.Len(t, dlq, 1)
	assert.Equal(t, id, dlq[0].ID)
}

func TestFail_ValidationDeadLettersImmediately(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()

	q.Enqueue(ctx, testRecord(), "")
	j := q.TryDispatch(ctx)
	require.NotNil(t, j)

	require.NoError(t, q.Fail(ctx, j.ID, resilience.Validationf("record: malformed tax id %q", "123")))

	got := q.Get(j.ID)
	assert.Equal(t, model.JobDeadLettered, got.State)
	assert.Equal(t, model.ReasonValidationFailed, got.Reason)
	require.Len(t, got.History, 1, "no retry for permanent input errors")
}

func TestFail_BlockExhaustionKeepsBlockedReason(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)
	q.WithNow(func() time.Time { return clock })

	blocked := resilience.NewBlockedError(classify.Signature{
		Kind:   classify.KindWafBlock,
		Target: "registry.example.it",
	})

	q.Enqueue(ctx, testRecord(), "")
	var id string
	for attempt := 1; attempt <= 3; attempt++ {
		j := q.TryDispatch(ctx)
		require.NotNil(t, j)
		id = j.ID
		require.NoError(t, q.Fail(ctx, id, blocked))
		clock = clock.Add(time.Minute)
	}

	got := q.Get(id)
	assert.Equal(t, model.JobDeadLettered, got.State)
	assert.Equal(t, model.ReasonBlocked, got.Reason, "the DLQ says why: the target was blocking us")
}

func TestRelease_RollsBackClaim(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()

	q.Enqueue(ctx, testRecord(), "")
	j := q.TryDispatch(ctx)
	require.NotNil(t, j)
	require.Equal(t, 1, j.Attempt)

	require.NoError(t, q.Release(ctx, j.ID))

	got := q.Get(j.ID)
	assert.Equal(t, model.JobQueued, got.State)
	assert.Zero(t, got.Attempt, "an interrupted attempt is not an attempt")
	assert.Empty(t, got.History)

	j2 := q.TryDispatch(ctx)
	require.NotNil(t, j2)
	assert.Equal(t, 1, j2.Attempt)
}

func TestRestore_ResumesInterruptedRun(t *testing.T) {
	q := New(testConfig(), nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	jobs := []model.Job{
		{ID: "job-a", State: model.JobActive, Attempt: 1, MaxAttempts: 3, Record: testRecord()},
		{ID: "job-b", State: model.JobSucceeded, Attempt: 1, MaxAttempts: 3},
		{ID: "job-c", State: model.JobRetrying, Attempt: 2, MaxAttempts: 3, NextRunAt: past},
		{ID: "job-d", State: model.JobDeadLettered, Attempt: 3, MaxAttempts: 3, Reason: model.ReasonValidationFailed},
	}

	assert.Equal(t, 2, q.Restore(jobs))
	assert.Equal(t, 2, q.Pending())

	snap := q.Snapshot()
	require.Len(t, snap, 4)
	for _, job := range snap {
		assert.NotEqual(t, model.JobActive, job.State,
			"restore must hand no job back in the active state")
	}

	j1 := q.TryDispatch(ctx)
	require.NotNil(t, j1)
	assert.Equal(t, "job-a", j1.ID, "the job the dead worker held runs first")
	assert.Equal(t, 2, j1.Attempt, "the interrupted claim already consumed attempt 1")

	j2 := q.TryDispatch(ctx)
	require.NotNil(t, j2)
	assert.Equal(t, "job-c", j2.ID)
	assert.Equal(t, 3, j2.Attempt)

	dlq := q.DeadLettered()
	require.Len(t, dlq, 1)
	assert.Equal(t, "job-d", dlq[0].ID)

	counts := q.Counts()
	assert.Equal(t, 2, counts[model.JobActive])
	assert.Equal(t, 1, counts[model.JobSucceeded])
	assert.Equal(t, 1, counts[model.JobDeadLettered])
}

func TestQueue_JournalsEveryTransition(t *testing.T) {
	jr := newMemJournal()
	q := New(testConfig(), jr)
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)
	q.WithNow(func() time.Time { return clock })

	j, created := q.Enqueue(ctx, testRecord(), "corr-1")
	require.True(t, created)

	require.NotNil(t, q.TryDispatch(ctx))
	require.NoError(t, q.Fail(ctx, j.ID, networkErr()))

	clock = clock.Add(time.Minute)
	require.NotNil(t, q.TryDispatch(ctx))
	require.NoError(t, q.Complete(ctx, j.ID, nil))

	assert.Equal(t, []model.JobState{
		model.JobQueued,
		model.JobActive,
		model.JobRetrying,
		model.JobQueued, // backoff expired, promoted
		model.JobActive,
		model.JobSucceeded,
	}, jr.states(j.ID))

	logs := jr.logs[j.ID]
	require.Len(t, logs, 2)
	assert.Equal(t, "network", logs[0].ErrorClass)
	assert.Equal(t, model.ReasonAccepted, logs[1].Reason)
}
