package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/oracle"
	"github.com/lanterna-data/enrich-cli/pkg/registry"
)

const (
	filingConfidence = 0.95
	// estimateConfidence sits well under every default acceptance threshold:
	// a model estimate is surfaced as a best-effort value, never adopted as
	// the answer.
	estimateConfidence = 0.4
)

// registryFinancials reads revenue or headcount off the latest registry
// filing. Companies below the deposit thresholds simply have no filing,
// which is a miss, not an error.
type registryFinancials struct{ deps *Deps }

func (s *registryFinancials) Name() string { return "registry_financials" }

func (s *registryFinancials) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	id := req.TaxID()
	if id == "" {
		return nil, waterfall.ErrDependencyMissing
	}
	p, err := s.deps.profile(ctx, id, s.Name())
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Ceased() {
		return nil, &waterfall.DefinitiveMiss{Source: s.Name(), Detail: "company ceased per registry"}
	}
	if p.Filing == nil {
		return nil, nil
	}

	var value string
	switch req.Field {
	case model.FieldRevenue:
		if p.Filing.RevenueEUR <= 0 {
			return nil, nil
		}
		value = strconv.FormatInt(p.Filing.RevenueEUR, 10)
	case model.FieldEmployees:
		if p.Filing.Employees <= 0 {
			return nil, nil
		}
		value = strconv.Itoa(p.Filing.Employees)
	default:
		return nil, resilience.Logicf("registry_financials cannot resolve %s", req.Field)
	}

	return &model.Candidate{
		Value:      value,
		Confidence: filingConfidence,
		Source:     s.Name(),
		Class:      model.ClassRegistry,
		Method:     fmt.Sprintf("filing %d", p.Filing.Year),
		ObservedAt: time.Now(),
	}, nil
}

// oracleEstimate has the model bracket the headcount from whatever the run
// has gathered so far.
type oracleEstimate struct{ deps *Deps }

func (s *oracleEstimate) Name() string { return "oracle_estimate" }

func (s *oracleEstimate) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	if req.Field != model.FieldEmployees {
		return nil, resilience.Logicf("oracle_estimate cannot resolve %s", req.Field)
	}
	var out struct {
		Employees int    `json:"employees"`
		Basis     string `json:"basis"`
	}
	err := s.deps.askOracle(ctx, "employee_estimate", estimatePrompt(req), &out)
	if errors.Is(err, oracle.ErrExtraction) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out.Employees <= 0 {
		return nil, nil
	}

	method := "model estimate"
	if basis := strings.TrimSpace(out.Basis); basis != "" {
		method += ": " + truncate(basis, 80)
	}
	return &model.Candidate{
		Value:      strconv.Itoa(out.Employees),
		Confidence: estimateConfidence,
		Source:     s.Name(),
		Class:      model.ClassInference,
		Method:     method,
		ObservedAt: time.Now(),
	}, nil
}

// estimatePrompt gives the model the record plus any already-resolved fields
// worth anchoring on.
func estimatePrompt(req waterfall.Request) string {
	rec := req.Record
	var b strings.Builder
	b.WriteString("Estimate the employee headcount of this Italian company.\n")
	b.WriteString("Company: " + rec.Name + "\n")
	if rec.City != "" {
		b.WriteString("City: " + rec.City + "\n")
	}
	if rec.Province != "" {
		b.WriteString("Province: " + rec.Province + "\n")
	}
	if c, ok := req.Finding(model.FieldWebsite); ok && c.Value != "" {
		b.WriteString("Website: " + c.Value + "\n")
	}
	if c, ok := req.Finding(model.FieldRevenue); ok && c.Value != "" {
		b.WriteString("Annual revenue EUR: " + c.Value + "\n")
	}
	b.WriteString(`Reply with {"employees": <integer>, "basis": "..."}. Use 0 if you cannot estimate.`)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
