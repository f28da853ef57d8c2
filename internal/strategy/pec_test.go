package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/inipec"
)

func pecRequest() waterfall.Request {
	rec := testRecord()
	rec.TaxID = "00743110157"
	return waterfall.Request{Record: rec, Field: model.FieldPEC, Findings: map[model.FieldKey]model.Candidate{}}
}

func TestInipecLookup_Found(t *testing.T) {
	d := testDeps()
	d.INIPEC = &fakeINIPEC{entry: &inipec.Entry{
		TaxID:   "00743110157",
		Company: "TERMOIDRAULICA ROSSI SNC",
		PECs:    []string{"Rossi@PEC.termoidraulicarossi.IT", "amministrazione@pec.termoidraulicarossi.it"},
	}}

	s := &inipecLookup{deps: d}
	cand, err := s.Resolve(context.Background(), pecRequest())

	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, "rossi@pec.termoidraulicarossi.it", cand.Value, "first address, lowercased")
	assert.Equal(t, model.ClassRegistry, cand.Class)
	assert.InDelta(t, inipecConfidence, cand.Confidence, 1e-9)
}

func TestInipecLookup_NotListedIsAMiss(t *testing.T) {
	d := testDeps()
	d.INIPEC = &fakeINIPEC{err: inipec.ErrNotFound}

	s := &inipecLookup{deps: d}
	cand, err := s.Resolve(context.Background(), pecRequest())

	assert.NoError(t, err)
	assert.Nil(t, cand)
}

func TestInipecLookup_EmptyEntryIsAMiss(t *testing.T) {
	d := testDeps()
	d.INIPEC = &fakeINIPEC{entry: &inipec.Entry{TaxID: "00743110157"}}

	s := &inipecLookup{deps: d}
	cand, err := s.Resolve(context.Background(), pecRequest())

	assert.NoError(t, err)
	assert.Nil(t, cand)
}

func TestInipecLookup_MalformedAddressIsDataError(t *testing.T) {
	d := testDeps()
	d.INIPEC = &fakeINIPEC{entry: &inipec.Entry{
		TaxID: "00743110157",
		PECs:  []string{"non-un-indirizzo"},
	}}

	s := &inipecLookup{deps: d}
	cand, err := s.Resolve(context.Background(), pecRequest())

	assert.Nil(t, cand)
	require.Error(t, err)
	assert.Equal(t, "validation", resilience.ErrorClass(err))
}

func TestInipecLookup_NeedsTaxID(t *testing.T) {
	d := testDeps()
	d.INIPEC = &fakeINIPEC{}
	req := pecRequest()
	req.Record.TaxID = ""

	s := &inipecLookup{deps: d}
	_, err := s.Resolve(context.Background(), req)

	assert.ErrorIs(t, err, waterfall.ErrDependencyMissing)
}

func TestInipecLookup_NoClientSkips(t *testing.T) {
	d := testDeps()

	s := &inipecLookup{deps: d}
	_, err := s.Resolve(context.Background(), pecRequest())

	assert.ErrorIs(t, err, waterfall.ErrDependencyMissing)
}
