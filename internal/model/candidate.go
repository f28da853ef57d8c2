package model

import "time"

// SourceClass buckets resolution sources for trust ranking. Merge decisions
// compare classes first, confidence second.
type SourceClass string

const (
	ClassRegistry    SourceClass = "registry"     // official business registry
	ClassValidatedID SourceClass = "validated_id" // identifier validation service
	ClassOwnSite     SourceClass = "own_site"     // the company's own website
	ClassDirectory   SourceClass = "directory"    // directory listing / search result
	ClassInference   SourceClass = "inference"    // model-inferred, never authoritative
	ClassInput       SourceClass = "input"        // value present on the input record
)

// Candidate is one proposed value for one field, with enough provenance to
// rank it against competing values. Values are carried in canonical string
// form (revenue and headcount as bare digits).
type Candidate struct {
	Value      string      `json:"value"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source"` // strategy that produced it
	Class      SourceClass `json:"class"`
	Method     string      `json:"method,omitempty"` // short note on how the value was obtained
	ObservedAt time.Time   `json:"observed_at"`
}
