// Package model holds the data shapes shared across the enrichment engine:
// input records, resolution candidates, enrichment results, and job state.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// CompanyRecord is a minimal input record describing one business.
// Name is required; everything else is best-effort source data.
type CompanyRecord struct {
	Name       string            `json:"name"`
	Address    string            `json:"address,omitempty"`
	City       string            `json:"city,omitempty"`
	Province   string            `json:"province,omitempty"`
	PostalCode string            `json:"postal_code,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	TaxID      string            `json:"tax_id,omitempty"`
	Website    string            `json:"website,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"` // passthrough columns from the input file
}

// Validate checks the record for structural problems that make resolution
// pointless. A failed validation is permanent: the record will never succeed
// without being corrected upstream.
func (r CompanyRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return eris.New("record: name is required")
	}
	if r.TaxID != "" && !ValidTaxID(r.TaxID) {
		return eris.Errorf("record: malformed tax id %q", r.TaxID)
	}
	return nil
}

// PhoneDigits reduces a phone number to its significant digits for
// comparison: non-digits dropped, the Italian country prefix (+39 / 0039)
// stripped. Leading zeros of geographic numbers are preserved.
func PhoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	switch {
	case strings.HasPrefix(d, "0039"):
		d = d[4:]
	case strings.HasPrefix(d, "39") && len(d) >= 11:
		d = d[2:]
	}
	return d
}

// ValidTaxID reports whether s is a well-formed Italian tax identifier
// (partita IVA): exactly 11 digits with a valid Luhn-style check digit.
// Separators and an optional "IT" prefix are tolerated.
func ValidTaxID(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "IT")
	var digits []int
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == ' ' || r == '.' || r == '-':
			// separator, skip
		default:
			return false
		}
	}
	if len(digits) != 11 {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		d := digits[i]
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return check == digits[10]
}

// CleanTaxID returns the bare 11-digit form of a tax identifier, or "" when
// the input does not validate.
func CleanTaxID(s string) string {
	if !ValidTaxID(s) {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
