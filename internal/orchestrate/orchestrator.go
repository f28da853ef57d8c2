// Package orchestrate runs the full resolution of one record: validation,
// dedup against already-resolved entities, the per-field waterfalls in
// dependency order, and the final fold back into the entity index.
package orchestrate

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
)

// inputConfidence is the standing of an unverified value copied off the
// input record. Input trust fills gaps; it never displaces resolved data.
const inputConfidence = 0.5

// ResultSink persists enrichment results. Implemented by the store layer;
// nil disables persistence (one-shot runs print the result instead).
type ResultSink interface {
	UpsertResult(ctx context.Context, res *model.EnrichmentResult) error
}

// Orchestrator resolves records end to end. Safe for concurrent use: the
// executor, index and sink it composes are all concurrency-safe.
type Orchestrator struct {
	executor *waterfall.Executor
	index    *entity.Index
	sink     ResultSink

	nowFunc func() time.Time
}

// New builds an Orchestrator. sink may be nil.
func New(executor *waterfall.Executor, index *entity.Index, sink ResultSink) *Orchestrator {
	return &Orchestrator{
		executor: executor,
		index:    index,
		sink:     sink,
		nowFunc:  time.Now,
	}
}

// WithNow fixes the orchestrator's clock. Test hook.
func (o *Orchestrator) WithNow(f func() time.Time) *Orchestrator {
	o.nowFunc = f
	return o
}

// Enrich resolves every field of one record and returns the assembled
// result. Per-field misses are recorded in the result, never returned as
// errors; an error from Enrich means the job itself failed (malformed
// record, canceled context, result not persisted) and the queue decides
// whether to retry.
func (o *Orchestrator) Enrich(ctx context.Context, recordID, correlationID string, rec model.CompanyRecord) (*model.EnrichmentResult, error) {
	started := o.nowFunc()
	if err := rec.Validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}

	res := &model.EnrichmentResult{
		RecordID:      recordID,
		CorrelationID: correlationID,
		Record:        rec,
		StartedAt:     started,
	}

	if dup := o.index.FindDuplicate(rec); dup != nil {
		return o.finishDuplicate(ctx, res, dup, recordID, rec, started)
	}

	res.FuzzyMatches = o.index.FuzzyMatches(rec)
	res.Fields = make(map[model.FieldKey]model.FieldOutcome, len(model.AllFields))

	// Accepted values feed later waterfalls; everything with a value, low
	// confidence included, feeds the entity at the end.
	findings := make(map[model.FieldKey]model.Candidate)
	resolved := make(map[model.FieldKey]model.Candidate)

	definitive := false
	for _, field := range model.AllFields {
		if definitive {
			res.Fields[field] = model.Missing(model.ReasonNotFound)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "orchestrate: resolution interrupted")
		}

		r := o.executor.Resolve(ctx, field, rec, findings)
		out := r.Outcome()
		res.Fields[field] = out

		if r.Definitive {
			definitive = true
			zap.L().Info("definitive miss, skipping remaining fields",
				zap.String("record", recordID),
				zap.String("field", string(field)),
			)
		}
		if out.HasValue() {
			resolved[field] = *out.Candidate
			if out.Reason == model.ReasonAccepted {
				findings[field] = *out.Candidate
			}
		}
		if out.Reason == model.ReasonBudgetExceeded {
			zap.L().Warn("field budget exhausted",
				zap.String("record", recordID),
				zap.String("correlation", correlationID),
				zap.String("field", string(field)),
			)
		}
	}

	o.index.Register(recordID, rec, resolved)
	res.DurationMS = o.nowFunc().Sub(started).Milliseconds()

	if err := o.persist(ctx, res); err != nil {
		return nil, err
	}
	zap.L().Info("record resolved",
		zap.String("record", recordID),
		zap.String("correlation", correlationID),
		zap.Int("values", len(resolved)),
		zap.Int64("duration_ms", res.DurationMS),
	)
	return res, nil
}

// finishDuplicate assembles a result for a record that mapped onto an
// already-resolved entity. No waterfalls run; the record's own input facts
// still fold into the entity, where they fill gaps at input trust.
func (o *Orchestrator) finishDuplicate(ctx context.Context, res *model.EnrichmentResult, dup *entity.Entity, recordID string, rec model.CompanyRecord, started time.Time) (*model.EnrichmentResult, error) {
	merged := o.index.Merge(dup, recordID, rec, o.inputFindings(rec))
	res.DuplicateOf = merged.ID
	res.Fields = entity.MergedFields(merged)
	res.DurationMS = o.nowFunc().Sub(started).Milliseconds()

	if err := o.persist(ctx, res); err != nil {
		return nil, err
	}
	zap.L().Info("record is a duplicate",
		zap.String("record", recordID),
		zap.String("entity", merged.ID),
	)
	return res, nil
}

func (o *Orchestrator) persist(ctx context.Context, res *model.EnrichmentResult) error {
	if o.sink == nil {
		return nil
	}
	if err := o.sink.UpsertResult(ctx, res); err != nil {
		return eris.Wrapf(err, "orchestrate: persist result %s", res.RecordID)
	}
	return nil
}

// inputFindings lifts the usable facts the input record itself carries into
// candidates at input trust.
func (o *Orchestrator) inputFindings(rec model.CompanyRecord) map[model.FieldKey]model.Candidate {
	out := make(map[model.FieldKey]model.Candidate)
	now := o.nowFunc()
	if id := model.CleanTaxID(rec.TaxID); id != "" {
		out[model.FieldTaxID] = model.Candidate{
			Value:      id,
			Confidence: inputConfidence,
			Source:     "input",
			Class:      model.ClassInput,
			ObservedAt: now,
		}
	}
	if rec.Website != "" {
		out[model.FieldWebsite] = model.Candidate{
			Value:      waterfall.CanonicalURL(rec.Website),
			Confidence: inputConfidence,
			Source:     "input",
			Class:      model.ClassInput,
			ObservedAt: now,
		}
	}
	// Some input files carry a PEC column; the loader passes it through in
	// Extra.
	if pec := strings.ToLower(strings.TrimSpace(rec.Extra["pec"])); pec != "" && strings.Contains(pec, "@") {
		out[model.FieldPEC] = model.Candidate{
			Value:      pec,
			Confidence: inputConfidence,
			Source:     "input",
			Class:      model.ClassInput,
			ObservedAt: now,
		}
	}
	return out
}
