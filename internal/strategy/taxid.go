package strategy

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/agext/levenshtein"

	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/vies"
)

const (
	harvestConfidence = 0.85
	viesConfidence    = 0.97
	// viesNameFloor rejects a validated id whose registered name has nothing
	// to do with the record: a mistyped id can still pass the checksum and
	// land on a real, unrelated company.
	viesNameFloor = 0.4
)

// harvestPaths are fetched in order off the site root. Italian companies are
// required to publish the partita IVA on their site; it lives in the footer
// or on the contact and privacy pages.
var harvestPaths = []string{"", "/contatti", "/privacy"}

// pivaRe captures an 11-digit identifier next to a partita IVA / codice
// fiscale / VAT label. Sites space and punctuate these freely, so the digit
// class is loose; the checksum does the real filtering.
var pivaRe = regexp.MustCompile(`(?i)(?:p(?:artita)?\.?\s*iva|c(?:odice)?\.?\s*f(?:iscale)?|vat(?:\s*(?:no|nr|number))?)\s*[.:]?\s*(?:IT\s*)?((?:\d[\s.]?){10}\d)`)

// siteHarvest reads the tax id off the company's own pages. The raw HTML is
// scanned, not the extracted text, because footers rarely survive text
// extraction.
type siteHarvest struct{ deps *Deps }

func (s *siteHarvest) Name() string { return "site_harvest" }

func (s *siteHarvest) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	host := waterfall.Host(req.Website())
	if host == "" {
		return nil, waterfall.ErrDependencyMissing
	}

	var blocked error
	for _, path := range harvestPaths {
		page, err := s.deps.fetchPage(ctx, "https://"+host+path, s.Name())
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			var be *resilience.BlockedError
			if errors.As(err, &be) && blocked == nil {
				blocked = err
			}
			continue
		}
		if !page.OK() {
			continue
		}
		if id := harvestTaxID(page.Body); id != "" {
			return &model.Candidate{
				Value:      id,
				Confidence: harvestConfidence,
				Source:     s.Name(),
				Class:      model.ClassOwnSite,
				Method:     "labeled id on " + pathLabel(path),
				ObservedAt: time.Now(),
			}, nil
		}
	}
	if blocked != nil {
		return nil, blocked
	}
	return nil, nil
}

// harvestTaxID scans raw HTML for a labeled 11-digit identifier and returns
// the first that passes the checksum, bare-digit form.
func harvestTaxID(body []byte) string {
	for _, m := range pivaRe.FindAllSubmatch(body, 8) {
		if id := model.CleanTaxID(string(m[1])); id != "" {
			return id
		}
	}
	return ""
}

func pathLabel(path string) string {
	if path == "" {
		return "homepage"
	}
	return path
}

// viesCheck validates the best tax id candidate against the EU VAT service.
// Validation is the cheapest high-trust signal there is: a checksum can be
// satisfied by a typo, a VIES registration cannot. Ids VIES rejects, or ids
// registered to a clearly different company, are data errors.
type viesCheck struct{ deps *Deps }

func (s *viesCheck) Name() string { return "vies_check" }

func (s *viesCheck) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	if s.deps.VIES == nil {
		return nil, waterfall.ErrDependencyMissing
	}
	var id string
	if req.Best != nil {
		id = model.CleanTaxID(req.Best.Value)
	}
	if id == "" {
		id = req.TaxID()
	}
	if id == "" {
		return nil, waterfall.ErrDependencyMissing
	}

	if err := s.deps.Governor.WaitForSlot(ctx, targetVIES); err != nil {
		return nil, err
	}
	res, err := s.deps.VIES.Check(ctx, id)
	err = s.deps.reportOutcome(targetVIES, s.Name(), err, vies.ErrInvalidFormat)
	if errors.Is(err, vies.ErrInvalidFormat) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, resilience.Validationf("vies: %s is not an active vat registration", id)
	}
	if name := entity.NormalizeName(res.Name); name != "" {
		if levenshtein.Similarity(name, entity.NormalizeName(req.Record.Name), nil) < viesNameFloor {
			return nil, resilience.Validationf("vies: %s is registered to %q, not %q", id, res.Name, req.Record.Name)
		}
	}

	method := "vies confirmed"
	if n := strings.TrimSpace(res.Name); n != "" {
		method += ": " + n
	}
	return &model.Candidate{
		Value:      id,
		Confidence: viesConfidence,
		Source:     s.Name(),
		Class:      model.ClassValidatedID,
		Method:     method,
		ObservedAt: time.Now(),
	}, nil
}
