package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain lowercase", "acme", "ACME"},
		{"srl suffix", "Acme SRL", "ACME"},
		{"punctuated srl", "Acme S.r.l.", "ACME"},
		{"spa suffix", "Ferrovie Nord S.p.A.", "FERROVIE NORD"},
		{"snc suffix", "Rossi S.n.c.", "ROSSI"},
		{"sas suffix", "Bianchi & Figli S.a.s.", "BIANCHI E FIGLI"},
		{"spelled out", "Acme Società a Responsabilità Limitata", "ACME"},
		{"cooperative", "La Collina Società Cooperativa", "LA COLLINA"},
		{"stacked suffixes", "Acme S.r.l. Unipersonale", "ACME"},
		{"liquidation marker", "Vecchia Fornace SRL in liquidazione", "VECCHIA FORNACE"},
		{"socio unico", "Tecnoedil S.p.A. a socio unico", "TECNOEDIL"},
		{"diacritics folded", "Società Agricola Pò", "SOCIETA AGRICOLA PO"},
		{"ampersand", "C&C Impianti", "C E C IMPIANTI"},
		{"hyphen split", "Termo-Idraulica Verdi", "TERMO IDRAULICA VERDI"},
		{"apostrophe dropped", "L'Artigiana del Vetro", "LARTIGIANA DEL VETRO"},
		{"typographic apostrophe", "L’Artigiana", "LARTIGIANA"},
		{"multi space collapse", "Acme    Impianti   SRL", "ACME IMPIANTI"},
		{"suffix only name survives", "SRL", "SRL"},
		{"empty", "   ", ""},
		{"suffix not at end kept", "SRL Consulting Group", "SRL CONSULTING GROUP"},
		{"express not ss", "Acme Express", "ACME EXPRESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestNormalizeName_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Acme S.r.l.",
		"Società Agricola Pò S.S.",
		"C&C Impianti S.n.c. in liquidazione",
		"L'Artigiana del Vetro",
	}
	for _, in := range inputs {
		once := NormalizeName(in)
		assert.Equal(t, once, NormalizeName(once), "normalizing %q twice diverged", in)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	// Same business, different spellings: one fingerprint.
	assert.Equal(t,
		Fingerprint("Rossi S.n.c.", "Milano"),
		Fingerprint("ROSSI SNC", "milano"),
	)

	// Same name in two cities: distinct identities.
	assert.NotEqual(t,
		Fingerprint("Acme SRL", "Milano"),
		Fingerprint("Acme SRL", "Torino"),
	)

	assert.Equal(t, "ROSSI|MILANO", Fingerprint("Rossi S.n.c.", "Milano"))
}
