package model

import "time"

// FieldKey names one enrichable fact. The set is closed: strategies and
// waterfall plans may only reference these keys.
type FieldKey string

const (
	FieldWebsite   FieldKey = "website"
	FieldTaxID     FieldKey = "tax_id"
	FieldRevenue   FieldKey = "revenue"   // integer EUR, most recent filing
	FieldEmployees FieldKey = "employees" // headcount
	FieldPEC       FieldKey = "pec"       // certified-mail address
)

// AllFields lists every resolvable field in resolution order.
var AllFields = []FieldKey{FieldWebsite, FieldTaxID, FieldRevenue, FieldEmployees, FieldPEC}

// ReasonCode explains why a field is absent or a job was parked. The set is
// closed so downstream consumers can switch on it.
type ReasonCode string

const (
	ReasonAccepted          ReasonCode = "accepted"
	ReasonLowConfidence     ReasonCode = "low_confidence"
	ReasonNotFound          ReasonCode = "not_found"
	ReasonBudgetExceeded    ReasonCode = "budget_exceeded"
	ReasonBlocked           ReasonCode = "blocked"
	ReasonValidationFailed  ReasonCode = "validation_failed"
	ReasonDependencyMissing ReasonCode = "dependency_missing"
	ReasonDuplicate         ReasonCode = "duplicate"
)

// FieldOutcome is the terminal state of one field for one job. Reason is
// always set: accepted and low_confidence carry a candidate, every other
// reason marks an absent value (Candidate nil). A field is never silently
// missing.
type FieldOutcome struct {
	Candidate *Candidate `json:"candidate,omitempty"`
	Reason    ReasonCode `json:"reason"`
}

// HasValue reports whether the outcome carries a usable value.
func (o FieldOutcome) HasValue() bool { return o.Candidate != nil }

// Resolved wraps an accepted candidate as a field outcome.
func Resolved(c *Candidate) FieldOutcome {
	return FieldOutcome{Candidate: c, Reason: ReasonAccepted}
}

// BestEffort wraps a sub-threshold candidate: the value is emitted but
// tagged low_confidence so consumers can discount it.
func BestEffort(c *Candidate) FieldOutcome {
	return FieldOutcome{Candidate: c, Reason: ReasonLowConfidence}
}

// Missing marks a field absent with the given reason.
func Missing(reason ReasonCode) FieldOutcome {
	return FieldOutcome{Reason: reason}
}

// FuzzyMatch is an advisory near-duplicate flagged during dedup. Never
// auto-merged; surfaced for manual review.
type FuzzyMatch struct {
	EntityID   string  `json:"entity_id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// EnrichmentResult is the full outcome of resolving one record. Every field
// key is present in Fields: value+provenance or absence+reason.
type EnrichmentResult struct {
	RecordID      string                    `json:"record_id"`
	CorrelationID string                    `json:"correlation_id,omitempty"`
	Record        CompanyRecord             `json:"record"`
	Fields        map[FieldKey]FieldOutcome `json:"fields"`
	DuplicateOf   string                    `json:"duplicate_of,omitempty"` // entity id when dedup short-circuited
	FuzzyMatches  []FuzzyMatch              `json:"fuzzy_matches,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	DurationMS    int64                     `json:"duration_ms"`
}

// Field returns the outcome for key, defaulting to not_found when the
// orchestrator never reached it.
func (r *EnrichmentResult) Field(key FieldKey) FieldOutcome {
	if out, ok := r.Fields[key]; ok {
		return out
	}
	return Missing(ReasonNotFound)
}
