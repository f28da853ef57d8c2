package orchestrate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
)

// stub is a scripted strategy: returns a fixed candidate or error and counts
// invocations.
type stub struct {
	name  string
	cand  *model.Candidate
	err   error
	calls atomic.Int32
	check func(req waterfall.Request)
}

func (s *stub) Name() string { return s.name }

func (s *stub) Resolve(_ context.Context, req waterfall.Request) (*model.Candidate, error) {
	s.calls.Add(1)
	if s.check != nil {
		s.check(req)
	}
	return s.cand, s.err
}

func accepted(field model.FieldKey, value string) *model.Candidate {
	return &model.Candidate{
		Value:      value,
		Confidence: 0.95,
		Source:     "stub_" + string(field),
		Class:      model.ClassRegistry,
		ObservedAt: time.Now(),
	}
}

// stubEngine builds an orchestrator whose plan runs exactly one scripted
// strategy per field.
func stubEngine(t *testing.T, sink ResultSink, stubs map[model.FieldKey]*stub) (*Orchestrator, *entity.Index) {
	t.Helper()

	plan := &waterfall.Plan{Fields: map[model.FieldKey]waterfall.FieldPlan{}}
	table := map[string]waterfall.Strategy{}
	for field, s := range stubs {
		plan.Fields[field] = waterfall.FieldPlan{Strategies: []string{s.name}, Threshold: 0.75}
		table[s.name] = s
	}

	exec, err := waterfall.NewExecutor(plan, table, nil)
	require.NoError(t, err)

	index := entity.NewIndex()
	return New(exec, index, sink), index
}

func fullStubs() map[model.FieldKey]*stub {
	return map[model.FieldKey]*stub{
		model.FieldWebsite:   {name: "website_stub", cand: accepted(model.FieldWebsite, "termoidraulicarossi.it")},
		model.FieldTaxID:     {name: "taxid_stub", cand: accepted(model.FieldTaxID, "00743110157")},
		model.FieldRevenue:   {name: "revenue_stub", cand: accepted(model.FieldRevenue, "1250000")},
		model.FieldEmployees: {name: "employees_stub", cand: accepted(model.FieldEmployees, "12")},
		model.FieldPEC:       {name: "pec_stub", cand: accepted(model.FieldPEC, "rossi@pec.it")},
	}
}

func testRecord() model.CompanyRecord {
	return model.CompanyRecord{
		Name:  "Termoidraulica Rossi S.n.c.",
		City:  "Bergamo",
		Phone: "+39 035 123456",
	}
}

type captureSink struct {
	results []*model.EnrichmentResult
	err     error
}

func (c *captureSink) UpsertResult(_ context.Context, res *model.EnrichmentResult) error {
	if c.err != nil {
		return c.err
	}
	c.results = append(c.results, res)
	return nil
}

func TestEnrich_ResolvesEveryField(t *testing.T) {
	sink := &captureSink{}
	o, index := stubEngine(t, sink, fullStubs())

	res, err := o.Enrich(context.Background(), "rec-1", "corr-1", testRecord())

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "rec-1", res.RecordID)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Empty(t, res.DuplicateOf)
	require.Len(t, res.Fields, len(model.AllFields), "every field key is present in the result")
	for _, field := range model.AllFields {
		out := res.Field(field)
		assert.Equal(t, model.ReasonAccepted, out.Reason, string(field))
		assert.True(t, out.HasValue(), string(field))
	}

	require.Len(t, sink.results, 1)
	assert.Same(t, res, sink.results[0])

	e := index.FindDuplicate(testRecord())
	require.NotNil(t, e, "resolved record becomes a canonical entity")
	assert.Equal(t, "rec-1", e.ID)
	assert.Equal(t, "00743110157", e.TaxID, "resolved tax id indexes the entity")
}

func TestEnrich_MalformedRecordIsValidationError(t *testing.T) {
	o, _ := stubEngine(t, nil, fullStubs())

	res, err := o.Enrich(context.Background(), "rec-1", "", model.CompanyRecord{Name: ""})

	assert.Nil(t, res)
	require.Error(t, err)
	assert.Equal(t, "validation", resilience.ErrorClass(err), "bad input must dead-letter, not retry")
}

func TestEnrich_DuplicateSkipsResolution(t *testing.T) {
	stubs := fullStubs()
	sink := &captureSink{}
	o, _ := stubEngine(t, sink, stubs)

	first, err := o.Enrich(context.Background(), "rec-1", "", testRecord())
	require.NoError(t, err)
	require.Empty(t, first.DuplicateOf)

	// Same company, spelled differently, same phone number.
	dup := model.CompanyRecord{Name: "Rossi Termoidraulica", City: "Bergamo", Phone: "035123456"}
	second, err := o.Enrich(context.Background(), "rec-2", "", dup)

	require.NoError(t, err)
	assert.Equal(t, "rec-1", second.DuplicateOf)
	out := second.Field(model.FieldWebsite)
	require.True(t, out.HasValue())
	assert.Equal(t, "termoidraulicarossi.it", out.Candidate.Value)
	assert.Equal(t, "merge:rec-1", out.Candidate.Source, "values carry merge provenance")

	assert.Equal(t, int32(1), stubs[model.FieldWebsite].calls.Load(), "no waterfall runs for a duplicate")
	assert.Len(t, sink.results, 2, "duplicate results are persisted too")
}

func TestEnrich_DuplicateInputFactsFillEntityGaps(t *testing.T) {
	stubs := fullStubs()
	stubs[model.FieldTaxID] = &stub{name: "taxid_stub"} // first record resolves no tax id
	o, index := stubEngine(t, nil, stubs)

	_, err := o.Enrich(context.Background(), "rec-1", "", testRecord())
	require.NoError(t, err)

	dup := testRecord()
	dup.TaxID = "00743110157"
	res, err := o.Enrich(context.Background(), "rec-2", "", dup)
	require.NoError(t, err)
	require.Equal(t, "rec-1", res.DuplicateOf)

	out := res.Field(model.FieldTaxID)
	require.True(t, out.HasValue(), "the duplicate's own tax id filled the gap")
	assert.Equal(t, "00743110157", out.Candidate.Value)

	e := index.FindDuplicate(dup)
	require.NotNil(t, e)
	assert.Equal(t, "00743110157", e.TaxID)
}

func TestEnrich_DefinitiveMissStopsRemainingFields(t *testing.T) {
	stubs := fullStubs()
	stubs[model.FieldTaxID] = &stub{
		name: "taxid_stub",
		err:  &waterfall.DefinitiveMiss{Source: "taxid_stub", Detail: "company ceased"},
	}
	o, _ := stubEngine(t, nil, stubs)

	res, err := o.Enrich(context.Background(), "rec-1", "", testRecord())

	require.NoError(t, err)
	assert.Equal(t, model.ReasonAccepted, res.Field(model.FieldWebsite).Reason,
		"fields resolved before the definitive miss stand")
	for _, field := range []model.FieldKey{model.FieldTaxID, model.FieldRevenue, model.FieldEmployees, model.FieldPEC} {
		out := res.Field(field)
		assert.Equal(t, model.ReasonNotFound, out.Reason, string(field))
		assert.False(t, out.HasValue(), string(field))
	}
	assert.Zero(t, stubs[model.FieldRevenue].calls.Load(), "waterfalls after the miss never run")
	assert.Zero(t, stubs[model.FieldPEC].calls.Load())
}

func TestEnrich_AcceptedFindingsFlowDownstream(t *testing.T) {
	stubs := fullStubs()
	var sawWebsite string
	stubs[model.FieldTaxID].check = func(req waterfall.Request) {
		if c, ok := req.Finding(model.FieldWebsite); ok {
			sawWebsite = c.Value
		}
	}
	o, _ := stubEngine(t, nil, stubs)

	_, err := o.Enrich(context.Background(), "rec-1", "", testRecord())

	require.NoError(t, err)
	assert.Equal(t, "termoidraulicarossi.it", sawWebsite,
		"the accepted website is visible to the tax id waterfall")
}

func TestEnrich_LowConfidenceIsSurfacedNotAccepted(t *testing.T) {
	stubs := fullStubs()
	weak := accepted(model.FieldEmployees, "8")
	weak.Confidence = 0.4
	weak.Class = model.ClassInference
	stubs[model.FieldEmployees] = &stub{name: "employees_stub", cand: weak}

	var laterSawEmployees bool
	stubs[model.FieldPEC] = &stub{name: "pec_stub", check: func(req waterfall.Request) {
		_, laterSawEmployees = req.Finding(model.FieldEmployees)
	}}
	o, index := stubEngine(t, nil, stubs)

	res, err := o.Enrich(context.Background(), "rec-1", "", testRecord())

	require.NoError(t, err)
	out := res.Field(model.FieldEmployees)
	assert.Equal(t, model.ReasonLowConfidence, out.Reason)
	require.True(t, out.HasValue(), "the best sub-threshold candidate is still emitted")
	assert.Equal(t, "8", out.Candidate.Value)
	assert.False(t, laterSawEmployees, "low-confidence values never feed later waterfalls")

	e := index.FindDuplicate(testRecord())
	require.NotNil(t, e)
	c, ok := e.Field(model.FieldEmployees)
	require.True(t, ok, "the entity keeps the best-effort value for future merges")
	assert.InDelta(t, 0.4, c.Confidence, 1e-9)
}

func TestEnrich_FuzzyMatchesAreAdvisory(t *testing.T) {
	stubs := fullStubs()
	o, _ := stubEngine(t, nil, stubs)

	_, err := o.Enrich(context.Background(), "rec-1", "", testRecord())
	require.NoError(t, err)

	// One letter off, same city, different phone: a lookalike, not a match.
	similar := model.CompanyRecord{Name: "Termoidraulica Rosi", City: "Bergamo", Phone: "+39 035 999999"}
	res, err := o.Enrich(context.Background(), "rec-2", "", similar)

	require.NoError(t, err)
	assert.Empty(t, res.DuplicateOf, "lookalikes are never auto-merged")
	require.NotEmpty(t, res.FuzzyMatches)
	assert.Equal(t, "rec-1", res.FuzzyMatches[0].EntityID)
	assert.GreaterOrEqual(t, res.FuzzyMatches[0].Similarity, 0.9)
}

func TestEnrich_SinkFailureFailsTheJob(t *testing.T) {
	sink := &captureSink{err: eris.New("disk full")}
	o, _ := stubEngine(t, sink, fullStubs())

	res, err := o.Enrich(context.Background(), "rec-1", "", testRecord())

	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist result")
}

func TestEnrich_CanceledContextFailsTheJob(t *testing.T) {
	o, _ := stubEngine(t, nil, fullStubs())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Enrich(ctx, "rec-1", "", testRecord())

	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}
