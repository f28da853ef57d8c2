package waterfall

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
)

// Executor sequences one field's strategies according to the plan.
type Executor struct {
	plan       *Plan
	strategies map[string]Strategy
	cache      *Cache

	nowFunc func() time.Time
}

// NewExecutor builds an executor and validates the plan against the known
// strategies. A nil cache disables memoization.
func NewExecutor(plan *Plan, strategies map[string]Strategy, cache *Cache) (*Executor, error) {
	plan.backfill()
	if err := plan.Validate(strategies); err != nil {
		return nil, err
	}
	return &Executor{
		plan:       plan,
		strategies: strategies,
		cache:      cache,
		nowFunc:    time.Now,
	}, nil
}

// WithNow fixes the executor's clock. Test hook.
func (e *Executor) WithNow(f func() time.Time) *Executor {
	e.nowFunc = f
	return e
}

// Resolve runs the waterfall for one field. Strategies run strictly in plan
// order; the first candidate at or above the threshold wins and later
// strategies are never invoked. The soft budget is checked between
// strategies only: in-flight work is allowed to finish and its result
// still counts. Strategy errors are recorded in the attempt trail and the
// cascade moves on; only a DefinitiveMiss or context cancellation stops it.
func (e *Executor) Resolve(ctx context.Context, field model.FieldKey, rec model.CompanyRecord, findings map[model.FieldKey]model.Candidate) Resolution {
	key := CacheKey(field, rec)
	if e.cache != nil {
		if cand, ok := e.cache.Get(key); ok {
			cand.Method = "cache:" + cand.Source
			cand.Source = "cache"
			zap.L().Debug("waterfall: cache hit",
				zap.String("field", string(field)),
				zap.String("key", key),
			)
			return Resolution{Field: field, Candidate: &cand, Reason: model.ReasonAccepted, FromCache: true}
		}
	}

	fp := e.plan.Field(field)
	start := e.nowFunc()
	budget := fp.Budget.Std()

	var (
		best           *model.Candidate
		attempts       []Attempt
		budgetExceeded bool
		sawBlock       bool
	)

	for _, name := range fp.Strategies {
		if ctx.Err() != nil {
			break
		}
		if elapsed := e.nowFunc().Sub(start); elapsed >= budget {
			budgetExceeded = true
			zap.L().Debug("waterfall: budget exhausted",
				zap.String("field", string(field)),
				zap.Duration("elapsed", elapsed),
				zap.Duration("budget", budget),
			)
			break
		}

		strat := e.strategies[name]
		began := e.nowFunc()
		cand, err := strat.Resolve(ctx, Request{
			Record:   rec,
			Field:    field,
			Findings: findings,
			Best:     best,
		})
		att := Attempt{
			Strategy:   name,
			DurationMS: e.nowFunc().Sub(began).Milliseconds(),
		}

		switch {
		case errors.Is(err, ErrDependencyMissing):
			att.Skipped = true
			attempts = append(attempts, att)

		case err != nil:
			var miss *DefinitiveMiss
			if errors.As(err, &miss) {
				att.Error = miss.Detail
				attempts = append(attempts, att)
				zap.L().Info("waterfall: definitive miss",
					zap.String("field", string(field)),
					zap.String("strategy", name),
					zap.String("detail", miss.Detail),
				)
				return Resolution{Field: field, Reason: model.ReasonNotFound, Definitive: true, Attempts: attempts}
			}
			att.Error = err.Error()
			att.ErrorClass = resilience.ErrorClass(err)
			if att.ErrorClass == "blocked" {
				sawBlock = true
			}
			attempts = append(attempts, att)
			zap.L().Warn("waterfall: strategy failed",
				zap.String("field", string(field)),
				zap.String("strategy", name),
				zap.String("class", att.ErrorClass),
				zap.Error(err),
			)

		case cand != nil:
			att.Confidence = cand.Confidence
			if cand.Confidence >= fp.Threshold {
				att.Accepted = true
				attempts = append(attempts, att)
				if e.cache != nil {
					e.cache.Set(key, *cand)
				}
				return Resolution{Field: field, Candidate: cand, Reason: model.ReasonAccepted, Attempts: attempts}
			}
			if best == nil || cand.Confidence > best.Confidence {
				best = cand
			}
			attempts = append(attempts, att)

		default:
			// Ran clean, found nothing.
			attempts = append(attempts, att)
		}
	}

	return Resolution{
		Field:     field,
		Candidate: best,
		Reason:    missReason(best, attempts, budgetExceeded, sawBlock),
		Attempts:  attempts,
	}
}

// missReason picks the reason code for a waterfall that accepted nothing.
func missReason(best *model.Candidate, attempts []Attempt, budgetExceeded, sawBlock bool) model.ReasonCode {
	if best != nil {
		return model.ReasonLowConfidence
	}
	if budgetExceeded {
		return model.ReasonBudgetExceeded
	}
	if allSkipped(attempts) {
		return model.ReasonDependencyMissing
	}
	if sawBlock {
		return model.ReasonBlocked
	}
	return model.ReasonNotFound
}

func allSkipped(attempts []Attempt) bool {
	for _, a := range attempts {
		if !a.Skipped {
			return false
		}
	}
	return len(attempts) > 0
}
