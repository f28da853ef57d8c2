package entity

import (
	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// trustRank orders source classes for merge decisions. Official registry
// data beats a validated identifier, which beats the company's own claims,
// which beat directory listings, which beat model inference. Input values
// rank alongside the company's own site: both are the company describing
// itself.
func trustRank(c model.SourceClass) int {
	switch c {
	case model.ClassRegistry:
		return 5
	case model.ClassValidatedID:
		return 4
	case model.ClassOwnSite, model.ClassInput:
		return 3
	case model.ClassDirectory:
		return 2
	case model.ClassInference:
		return 1
	default:
		return 0
	}
}

// wins reports whether candidate in should replace ex: higher trust wins,
// equal trust falls to higher confidence, ties keep the existing value.
func wins(in, ex model.Candidate) bool {
	ri, re := trustRank(in.Class), trustRank(ex.Class)
	if ri != re {
		return ri > re
	}
	return in.Confidence > ex.Confidence
}

// Merge folds a second resolution of the same company into its canonical
// entity: per field, the more trusted candidate survives. The absorbed
// record id is appended and any identity keys the entity was missing are
// indexed. Returns the updated entity.
func (ix *Index) Merge(e *Entity, recordID string, rec model.CompanyRecord, fields map[model.FieldKey]model.Candidate) *Entity {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for key, in := range fields {
		ex, ok := e.Fields[key]
		if !ok || wins(in, ex) {
			if ok {
				zap.L().Debug("merge: field replaced",
					zap.String("entity", e.ID),
					zap.String("field", string(key)),
					zap.String("old_class", string(ex.Class)),
					zap.String("new_class", string(in.Class)),
				)
			}
			e.Fields[key] = in
		}
	}

	// Backfill identity keys the entity learned from this record.
	if e.TaxID == "" {
		if c, ok := e.Fields[model.FieldTaxID]; ok && model.ValidTaxID(c.Value) {
			e.TaxID = model.CleanTaxID(c.Value)
		} else if id := model.CleanTaxID(rec.TaxID); id != "" {
			e.TaxID = id
		}
	}
	if e.Phone == "" {
		e.Phone = model.PhoneDigits(rec.Phone)
	}

	for _, id := range e.MergedIDs {
		if id == recordID {
			ix.indexLocked(e)
			e.UpdatedAt = ix.nowFunc()
			return e
		}
	}
	e.MergedIDs = append(e.MergedIDs, recordID)
	e.UpdatedAt = ix.nowFunc()
	ix.indexLocked(e)
	return e
}

// MergedFields converts an entity's field map into outcomes with merge
// provenance, for results assembled from a dedup hit.
func MergedFields(e *Entity) map[model.FieldKey]model.FieldOutcome {
	out := make(map[model.FieldKey]model.FieldOutcome, len(model.AllFields))
	for _, key := range model.AllFields {
		if c, ok := e.Fields[key]; ok {
			merged := c
			merged.Source = "merge:" + e.ID
			out[key] = model.Resolved(&merged)
			continue
		}
		out[key] = model.Missing(model.ReasonDuplicate)
	}
	return out
}
