package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// Handler resolves one record end to end. Implemented by the orchestrator.
type Handler interface {
	Enrich(ctx context.Context, recordID, correlationID string, rec model.CompanyRecord) (*model.EnrichmentResult, error)
}

// Pool runs a fixed set of workers against the queue. Each worker loops
// claim → resolve → complete/fail until the context ends or, in drain
// mode, no runnable jobs remain.
type Pool struct {
	queue   *Queue
	handler Handler
	workers int
	drain   bool

	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewPool builds a pool of n workers. In drain mode Run returns once the
// queue holds only terminal jobs instead of waiting for more work.
func NewPool(q *Queue, h Handler, workers int, drain bool) *Pool {
	if workers <= 0 {
		workers = DefaultConfig().Workers
	}
	return &Pool{queue: q, handler: h, workers: workers, drain: drain}
}

// Run blocks until the pool stops. Cancellation is a clean stop, not an
// error: workers finish their bookkeeping and any job caught mid-attempt
// is released back to the queue for the next run.
func (p *Pool) Run(ctx context.Context) error {
	zap.L().Info("worker pool starting",
		zap.Int("workers", p.workers),
		zap.Bool("drain", p.drain),
		zap.Int("pending", p.queue.Pending()),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.worker(gctx, i) })
	}
	err := g.Wait()

	zap.L().Info("worker pool stopped",
		zap.Int64("succeeded", p.succeeded.Load()),
		zap.Int64("failed", p.failed.Load()),
		zap.Int("pending", p.queue.Pending()),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Succeeded reports jobs completed since the pool started.
func (p *Pool) Succeeded() int64 { return p.succeeded.Load() }

// Failed reports attempts that ended in Fail since the pool started.
func (p *Pool) Failed() int64 { return p.failed.Load() }

func (p *Pool) worker(ctx context.Context, id int) error {
	log := zap.L().With(zap.Int("worker", id))
	for {
		job, err := p.next(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			log.Debug("queue drained")
			return nil
		}
		p.process(ctx, log, job)
	}
}

// next claims the following job. In drain mode it returns (nil, nil) once
// nothing runnable remains; otherwise it blocks for new work.
func (p *Pool) next(ctx context.Context) (*model.Job, error) {
	if !p.drain {
		return p.queue.Dispatch(ctx)
	}
	for {
		if job := p.queue.TryDispatch(ctx); job != nil {
			return job, nil
		}
		if p.queue.Pending() == 0 {
			return nil, nil
		}
		// Another worker holds a job, or a retry backoff is still running.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.queue.cfg.PollInterval):
		}
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, job *model.Job) {
	res, err := p.handler.Enrich(ctx, job.ID, job.CorrelationID, job.Record)

	// Bookkeeping must land even when shutdown canceled the attempt.
	bctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if qErr := p.queue.Complete(bctx, job.ID, res); qErr != nil {
			log.Error("failed to complete job", zap.String("job", job.ID), zap.Error(qErr))
		}
		p.succeeded.Add(1)

	case errors.Is(err, context.Canceled):
		// Shutdown interrupted the attempt; give the job back untouched.
		if qErr := p.queue.Release(bctx, job.ID); qErr != nil {
			log.Error("failed to release job", zap.String("job", job.ID), zap.Error(qErr))
		}

	default:
		if qErr := p.queue.Fail(bctx, job.ID, err); qErr != nil {
			log.Error("failed to record job failure", zap.String("job", job.ID), zap.Error(qErr))
		}
		p.failed.Add(1)
	}
}
