package strategy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agext/levenshtein"

	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/registry"
)

const (
	// matchFloor is the minimum name-match score to attribute a registry
	// profile to the input record at all.
	matchFloor = 0.85
	// ambiguityBand: two hits scoring this close together mean the search
	// cannot tell siblings apart, and neither is used.
	ambiguityBand = 0.02
)

// searchFieldBase is the per-field confidence of a perfectly matched
// profile. Website is self-reported in filings and not verified here, so it
// trusts lower than the rest.
var searchFieldBase = map[model.FieldKey]float64{
	model.FieldWebsite:   0.85,
	model.FieldTaxID:     0.95,
	model.FieldRevenue:   0.95,
	model.FieldEmployees: 0.95,
	model.FieldPEC:       0.95,
}

// registrySearch is the shared fallback across every waterfall: find the
// company in the business registry by name and read the requested field off
// the matched profile. Attribution is the risk here, not data quality, so
// the match score gates confidence and ambiguous results are discarded.
type registrySearch struct{ deps *Deps }

func (s *registrySearch) Name() string { return "registry_search" }

func (s *registrySearch) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	if s.deps.Registry == nil {
		return nil, waterfall.ErrDependencyMissing
	}
	if err := s.deps.Governor.WaitForSlot(ctx, targetRegistry); err != nil {
		return nil, err
	}
	profiles, err := s.deps.Registry.SearchByName(ctx, req.Record.Name, req.Record.City)
	if err := s.deps.reportOutcome(targetRegistry, s.Name(), err); err != nil {
		return nil, err
	}

	p, score := bestProfileMatch(req.Record, profiles)
	if p == nil {
		return nil, nil
	}
	if p.Ceased() {
		return nil, &waterfall.DefinitiveMiss{Source: s.Name(), Detail: "company ceased per registry"}
	}
	if id := model.CleanTaxID(p.TaxID); id != "" {
		// Later waterfalls ask for this profile by id; spare them the fetch.
		s.deps.profiles.Store(id, p)
	}

	var value, note string
	switch req.Field {
	case model.FieldWebsite:
		value = waterfall.CanonicalURL(p.Website)
	case model.FieldTaxID:
		value = model.CleanTaxID(p.TaxID)
		if p.TaxID != "" && value == "" {
			return nil, resilience.Validationf("registry: profile %q carries malformed tax id %q", p.LegalName, p.TaxID)
		}
	case model.FieldRevenue:
		if p.Filing != nil && p.Filing.RevenueEUR > 0 {
			value = strconv.FormatInt(p.Filing.RevenueEUR, 10)
			note = fmt.Sprintf("filing %d, ", p.Filing.Year)
		}
	case model.FieldEmployees:
		if p.Filing != nil && p.Filing.Employees > 0 {
			value = strconv.Itoa(p.Filing.Employees)
			note = fmt.Sprintf("filing %d, ", p.Filing.Year)
		}
	case model.FieldPEC:
		value = strings.ToLower(strings.TrimSpace(p.PEC))
	default:
		return nil, resilience.Logicf("registry_search cannot resolve %s", req.Field)
	}
	if value == "" {
		return nil, nil
	}

	return &model.Candidate{
		Value:      value,
		Confidence: searchFieldBase[req.Field] * score,
		Source:     s.Name(),
		Class:      model.ClassRegistry,
		Method:     fmt.Sprintf("%sname match %.2f", note, score),
		ObservedAt: time.Now(),
	}, nil
}

// bestProfileMatch picks the search hit that actually is the input company.
// An input tax id matching a profile is conclusive; otherwise normalized
// name similarity decides, discounted when the city disagrees.
func bestProfileMatch(rec model.CompanyRecord, profiles []registry.Profile) (*registry.Profile, float64) {
	recName := entity.NormalizeName(rec.Name)
	if recName == "" || len(profiles) == 0 {
		return nil, 0
	}
	recCity := entity.NormalizeText(rec.City)
	inputID := model.CleanTaxID(rec.TaxID)

	var best, second float64
	var bestProfile *registry.Profile
	for i := range profiles {
		p := &profiles[i]
		if inputID != "" && model.CleanTaxID(p.TaxID) == inputID {
			return p, 1
		}
		score := levenshtein.Similarity(recName, entity.NormalizeName(p.LegalName), nil)
		if recCity != "" && p.City != "" && entity.NormalizeText(p.City) != recCity {
			score *= 0.7
		}
		switch {
		case score > best:
			second = best
			best = score
			bestProfile = p
		case score > second:
			second = score
		}
	}

	if best < matchFloor {
		return nil, 0
	}
	if best-second < ambiguityBand {
		return nil, 0
	}
	return bestProfile, best
}

// All builds the full strategy table, keyed by the names waterfall plans
// reference.
func All(d *Deps) map[string]waterfall.Strategy {
	return map[string]waterfall.Strategy{
		"domain_guess":        &domainGuess{deps: d},
		"search_verify":       &searchVerify{deps: d},
		"registry_site":       &registrySite{deps: d},
		"oracle_site":         &oracleSite{deps: d},
		"site_harvest":        &siteHarvest{deps: d},
		"vies_check":          &viesCheck{deps: d},
		"registry_search":     &registrySearch{deps: d},
		"registry_financials": &registryFinancials{deps: d},
		"inipec_lookup":       &inipecLookup{deps: d},
		"oracle_estimate":     &oracleEstimate{deps: d},
	}
}
