package entity

import (
	"sort"
	"sync"
	"time"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// fuzzyThreshold is the minimum name similarity for an advisory match.
// Advisory only: fuzzy hits are surfaced, never auto-merged.
const fuzzyThreshold = 0.9

// minPhoneDigits guards the phone index against switchboard stubs and
// placeholder numbers.
const minPhoneDigits = 6

// Entity is a canonical resolved company: the merged field values of every
// record that mapped to the same identity.
type Entity struct {
	ID        string                            `json:"id"` // id of the first record resolved into it
	Name      string                            `json:"name"`
	City      string                            `json:"city,omitempty"`
	TaxID     string                            `json:"tax_id,omitempty"`
	Phone     string                            `json:"phone,omitempty"` // normalized digits
	Fields    map[model.FieldKey]model.Candidate `json:"fields"`
	MergedIDs []string                          `json:"merged_ids"` // record ids absorbed, in arrival order
	UpdatedAt time.Time                         `json:"updated_at"`
}

// Field returns the entity's best-known candidate for key, if any.
func (e *Entity) Field(key model.FieldKey) (model.Candidate, bool) {
	c, ok := e.Fields[key]
	return c, ok
}

// Index is the in-memory dedup store: three exact lookup maps plus a
// by-city bucket for the fuzzy pass, all guarded by one mutex.
type Index struct {
	mu            sync.RWMutex
	byID          map[string]*Entity
	byTaxID       map[string]*Entity
	byPhone       map[string]*Entity
	byFingerprint map[string]*Entity

	nowFunc func() time.Time
}

// NewIndex creates an empty entity index.
func NewIndex() *Index {
	return &Index{
		byID:          make(map[string]*Entity),
		byTaxID:       make(map[string]*Entity),
		byPhone:       make(map[string]*Entity),
		byFingerprint: make(map[string]*Entity),
		nowFunc:       time.Now,
	}
}

// FindDuplicate looks up the canonical entity a record belongs to, if one is
// already known. Cascade, first hit wins:
//
//  1. exact tax id,
//  2. normalized phone digits (at least minPhoneDigits significant digits),
//  3. name+locality fingerprint.
//
// Returns nil when the record is new.
func (ix *Index) FindDuplicate(rec model.CompanyRecord) *Entity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if id := model.CleanTaxID(rec.TaxID); id != "" {
		if e, ok := ix.byTaxID[id]; ok {
			zap.L().Debug("dedup hit on tax id", zap.String("entity", e.ID))
			return e
		}
	}

	if digits := model.PhoneDigits(rec.Phone); len(digits) >= minPhoneDigits {
		if e, ok := ix.byPhone[digits]; ok {
			zap.L().Debug("dedup hit on phone", zap.String("entity", e.ID))
			return e
		}
	}

	if e, ok := ix.byFingerprint[Fingerprint(rec.Name, rec.City)]; ok {
		zap.L().Debug("dedup hit on fingerprint", zap.String("entity", e.ID))
		return e
	}

	return nil
}

// FuzzyMatches scans entities in the record's city for near-identical names
// (levenshtein similarity >= fuzzyThreshold). Exact fingerprint matches are
// excluded: those are duplicates, not lookalikes. Results are sorted by
// similarity, best first.
func (ix *Index) FuzzyMatches(rec model.CompanyRecord) []model.FuzzyMatch {
	name := NormalizeName(rec.Name)
	if name == "" {
		return nil
	}
	fp := Fingerprint(rec.Name, rec.City)
	city := NormalizeText(rec.City)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []model.FuzzyMatch
	for _, e := range ix.byID {
		if Fingerprint(e.Name, e.City) == fp || NormalizeText(e.City) != city {
			continue
		}
		sim := levenshtein.Similarity(name, NormalizeName(e.Name), nil)
		if sim >= fuzzyThreshold {
			out = append(out, model.FuzzyMatch{
				EntityID:   e.ID,
				Name:       e.Name,
				Similarity: sim,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Register inserts a newly resolved record as a fresh canonical entity and
// indexes it under every identity key it carries. The record id becomes the
// entity id.
func (ix *Index) Register(recordID string, rec model.CompanyRecord, fields map[model.FieldKey]model.Candidate) *Entity {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e := &Entity{
		ID:        recordID,
		Name:      rec.Name,
		City:      rec.City,
		TaxID:     model.CleanTaxID(rec.TaxID),
		Phone:     model.PhoneDigits(rec.Phone),
		Fields:    make(map[model.FieldKey]model.Candidate, len(fields)),
		MergedIDs: []string{recordID},
		UpdatedAt: ix.nowFunc(),
	}
	for k, c := range fields {
		e.Fields[k] = c
	}

	// A resolved tax id outranks whatever the input carried.
	if c, ok := e.Fields[model.FieldTaxID]; ok && model.ValidTaxID(c.Value) {
		e.TaxID = model.CleanTaxID(c.Value)
	}

	ix.indexLocked(e)
	ix.byID[e.ID] = e
	return e
}

// Get returns the entity with the given id, or nil.
func (ix *Index) Get(id string) *Entity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byID[id]
}

// Len reports how many canonical entities the index holds.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// indexLocked adds e to every lookup map its identity keys allow. Existing
// occupants are never displaced: the first entity to claim a key keeps it.
func (ix *Index) indexLocked(e *Entity) {
	if e.TaxID != "" {
		if _, taken := ix.byTaxID[e.TaxID]; !taken {
			ix.byTaxID[e.TaxID] = e
		}
	}
	if len(e.Phone) >= minPhoneDigits {
		if _, taken := ix.byPhone[e.Phone]; !taken {
			ix.byPhone[e.Phone] = e
		}
	}
	fp := Fingerprint(e.Name, e.City)
	if _, taken := ix.byFingerprint[fp]; !taken {
		ix.byFingerprint[fp] = e
	}
}
