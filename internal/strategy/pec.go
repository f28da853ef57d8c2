package strategy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/inipec"
)

const inipecConfidence = 0.95

// inipecLookup resolves certified-mail addresses from the national INI-PEC
// index by tax id. The index is authoritative for existence but lags on
// rotations, so it shares the registry trust class and confidence decides
// when the two disagree.
type inipecLookup struct{ deps *Deps }

func (s *inipecLookup) Name() string { return "inipec_lookup" }

func (s *inipecLookup) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	if s.deps.INIPEC == nil {
		return nil, waterfall.ErrDependencyMissing
	}
	id := req.TaxID()
	if id == "" {
		return nil, waterfall.ErrDependencyMissing
	}

	if err := s.deps.Governor.WaitForSlot(ctx, targetINIPEC); err != nil {
		return nil, err
	}
	entry, err := s.deps.INIPEC.LookupPEC(ctx, id)
	err = s.deps.reportOutcome(targetINIPEC, s.Name(), err, inipec.ErrNotFound)
	if errors.Is(err, inipec.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pec := strings.ToLower(strings.TrimSpace(entry.Primary()))
	if pec == "" {
		return nil, nil
	}
	if !strings.Contains(pec, "@") {
		return nil, resilience.Validationf("inipec: malformed pec %q for %s", pec, id)
	}
	return &model.Candidate{
		Value:      pec,
		Confidence: inipecConfidence,
		Source:     s.Name(),
		Class:      model.ClassRegistry,
		Method:     "national index",
		ObservedAt: time.Now(),
	}, nil
}
