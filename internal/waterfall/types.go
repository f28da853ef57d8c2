// Package waterfall runs ordered, confidence-gated strategy cascades: for
// one field, strategies are invoked in plan order until one clears the
// acceptance threshold, the field's budget runs out, or a strategy reports
// a definitive miss. Results are memoized under a canonical cache key.
package waterfall

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// ErrDependencyMissing is returned by a strategy that cannot run because a
// prerequisite field (usually the tax id) is unresolved. The attempt is
// recorded as skipped, not failed.
var ErrDependencyMissing = eris.New("waterfall: dependency missing")

// Request carries everything a strategy may consult: the input record, the
// field under resolution, fields already resolved by earlier waterfalls,
// and the best sub-threshold candidate so far (strategies may refine it).
type Request struct {
	Record   model.CompanyRecord
	Field    model.FieldKey
	Findings map[model.FieldKey]model.Candidate
	Best     *model.Candidate
}

// Finding returns an already-resolved field value, if any.
func (r Request) Finding(key model.FieldKey) (model.Candidate, bool) {
	c, ok := r.Findings[key]
	return c, ok
}

// TaxID returns the best-known tax id for the record: a resolved finding
// first, the input value second. Empty when neither validates.
func (r Request) TaxID() string {
	if c, ok := r.Findings[model.FieldTaxID]; ok {
		if id := model.CleanTaxID(c.Value); id != "" {
			return id
		}
	}
	return model.CleanTaxID(r.Record.TaxID)
}

// Website returns the best-known website for the record, "" when unknown.
func (r Request) Website() string {
	if c, ok := r.Findings[model.FieldWebsite]; ok && c.Value != "" {
		return c.Value
	}
	return r.Record.Website
}

// Strategy resolves one field by one method. Returning (nil, nil) means the
// strategy ran and found nothing, which is not an error. Strategies talk to
// the governor and classifier themselves; the executor only sequences them.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req Request) (*model.Candidate, error)
}

// DefinitiveMiss is a typed strategy error that stops the waterfall: the
// source positively established the field has no value (company
// deregistered, confirmed not a business). Later strategies are pointless.
type DefinitiveMiss struct {
	Source string
	Detail string
}

func (e *DefinitiveMiss) Error() string {
	return fmt.Sprintf("definitive miss (%s): %s", e.Source, e.Detail)
}

// Attempt is one row of the per-field attempt trail.
type Attempt struct {
	Strategy   string  `json:"strategy"`
	DurationMS int64   `json:"duration_ms"`
	Confidence float64 `json:"confidence,omitempty"`
	Accepted   bool    `json:"accepted,omitempty"`
	Skipped    bool    `json:"skipped,omitempty"` // dependency missing
	Error      string  `json:"error,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
}

// Resolution is the terminal outcome of one field's waterfall. Definitive is
// set when a strategy positively established there is nothing to find; the
// orchestrator uses it to stop resolving the remaining fields.
type Resolution struct {
	Field      model.FieldKey   `json:"field"`
	Candidate  *model.Candidate `json:"candidate,omitempty"`
	Reason     model.ReasonCode `json:"reason"`
	FromCache  bool             `json:"from_cache,omitempty"`
	Definitive bool             `json:"definitive,omitempty"`
	Attempts   []Attempt        `json:"attempts,omitempty"`
}

// Outcome converts the resolution into the result-facing field outcome.
func (r Resolution) Outcome() model.FieldOutcome {
	switch {
	case r.Candidate != nil && r.Reason == model.ReasonAccepted:
		return model.Resolved(r.Candidate)
	case r.Candidate != nil:
		return model.BestEffort(r.Candidate)
	default:
		return model.Missing(r.Reason)
	}
}
