package waterfall

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
)

// Duration is a time.Duration that unmarshals from YAML scalars like "45s"
// or bare integers (seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return eris.Wrapf(err, "plan: bad duration %q", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return eris.Errorf("plan: unparseable duration node %q", value.Value)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PlanDefaults backfill any field plan that omits a knob.
type PlanDefaults struct {
	Threshold float64  `yaml:"threshold"`
	Budget    Duration `yaml:"budget"`
}

// FieldPlan declares one field's ordered strategies, acceptance threshold,
// and soft time budget.
type FieldPlan struct {
	Strategies []string `yaml:"strategies"`
	Threshold  float64  `yaml:"threshold"`
	Budget     Duration `yaml:"budget"`
}

// Plan is the full waterfall declaration: which strategies resolve which
// field, in what order, gated how.
type Plan struct {
	Defaults PlanDefaults                 `yaml:"defaults"`
	Fields   map[model.FieldKey]FieldPlan `yaml:"fields"`
}

// DefaultPlan returns the built-in resolution plan used when no plan file
// is configured.
func DefaultPlan() *Plan {
	plan := &Plan{
		Defaults: PlanDefaults{Threshold: 0.75, Budget: Duration(45 * time.Second)},
		Fields: map[model.FieldKey]FieldPlan{
			model.FieldWebsite: {
				Strategies: []string{"domain_guess", "search_verify", "registry_site", "oracle_site"},
				Threshold:  0.75,
			},
			model.FieldTaxID: {
				Strategies: []string{"site_harvest", "vies_check", "registry_search"},
				Threshold:  0.9,
			},
			model.FieldRevenue: {
				Strategies: []string{"registry_financials", "registry_search"},
			},
			model.FieldEmployees: {
				Strategies: []string{"registry_financials", "registry_search", "oracle_estimate"},
			},
			model.FieldPEC: {
				Strategies: []string{"inipec_lookup", "registry_search"},
			},
		},
	}
	plan.backfill()
	return plan
}

// LoadPlan reads a resolution plan from a YAML file and backfills defaults.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: read %s", path)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, eris.Wrapf(err, "plan: parse %s", path)
	}
	plan.backfill()
	return &plan, nil
}

// backfill applies defaults to fields that omit threshold or budget.
func (p *Plan) backfill() {
	if p.Defaults.Threshold == 0 {
		p.Defaults.Threshold = 0.75
	}
	if p.Defaults.Budget == 0 {
		p.Defaults.Budget = Duration(45 * time.Second)
	}
	for key, fp := range p.Fields {
		if fp.Threshold == 0 {
			fp.Threshold = p.Defaults.Threshold
		}
		if fp.Budget == 0 {
			fp.Budget = p.Defaults.Budget
		}
		p.Fields[key] = fp
	}
}

// Field returns the plan for a field, falling back to defaults with no
// strategies (which resolves to not_found immediately).
func (p *Plan) Field(key model.FieldKey) FieldPlan {
	if fp, ok := p.Fields[key]; ok {
		return fp
	}
	return FieldPlan{Threshold: p.Defaults.Threshold, Budget: p.Defaults.Budget}
}

// Validate fails fast on plans referencing unknown strategies or field
// keys; a typo in the plan file must die at startup, not mid-batch.
func (p *Plan) Validate(known map[string]Strategy) error {
	valid := make(map[model.FieldKey]bool, len(model.AllFields))
	for _, f := range model.AllFields {
		valid[f] = true
	}
	for key, fp := range p.Fields {
		if !valid[key] {
			return resilience.Validationf("plan: unknown field %q", key)
		}
		for _, name := range fp.Strategies {
			if _, ok := known[name]; !ok {
				return resilience.Validationf("plan: field %s references unknown strategy %q", key, name)
			}
		}
		if fp.Threshold < 0 || fp.Threshold > 1 {
			return resilience.Validationf("plan: field %s threshold %v outside [0,1]", key, fp.Threshold)
		}
	}
	return nil
}
