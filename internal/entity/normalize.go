// Package entity deduplicates input records against already-resolved
// companies and merges competing field values by source trust. Identity is
// cheap and deterministic: tax id, phone digits, or a normalized
// name+locality fingerprint.
package entity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes lists Italian legal-form suffixes stripped during name
// normalization, longest first so compound forms win over their tails.
// Punctuation is folded before matching, so only bare forms appear here.
var legalSuffixes = []string{
	" SOCIETA A RESPONSABILITA LIMITATA SEMPLIFICATA",
	" SOCIETA A RESPONSABILITA LIMITATA",
	" SOCIETA IN ACCOMANDITA PER AZIONI",
	" SOCIETA IN ACCOMANDITA SEMPLICE",
	" PICCOLA SOCIETA COOPERATIVA",
	" SOCIETA COOPERATIVA SOCIALE",
	" SOCIETA IN NOME COLLETTIVO",
	" SOCIETA COOPERATIVA",
	" SOCIETA PER AZIONI",
	" SOCIETA SEMPLICE",
	" SOC COOP SOCIALE",
	" IN LIQUIDAZIONE",
	" A SOCIO UNICO",
	" UNIPERSONALE",
	" SOC COOP",
	" ONLUS",
	" SCARL",
	" SAPA",
	" SCPA",
	" SCRL",
	" SRLS",
	" COOP",
	" SRL",
	" SPA",
	" SNC",
	" SAS",
	" SS",
	" SC",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

var punctReplacer = strings.NewReplacer(
	",", "",
	".", "",
	"'", "",
	"’", "",
	"\"", "",
	"&", " E ",
	"-", " ",
	"/", " ",
	"(", " ",
	")", " ",
)

// foldDiacritics strips combining marks so "Società" and "Societa" compare
// equal. The transform chain is built per call: norm transformers carry
// state and are not safe to share.
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeText uppercases, folds diacritics and punctuation, and collapses
// whitespace. Shared by name and locality normalization, and by callers that
// compare free text (page bodies, registry names) against record fields.
func NormalizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ToUpper(foldDiacritics(s))
	s = punctReplacer.Replace(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeName standardizes a company name for identity matching:
//  1. Trim, uppercase, fold diacritics
//  2. Fold punctuation ("&" becomes "E", separators become spaces)
//  3. Strip legal-form suffixes (SRL, S.p.A., SNC, ...) repeatedly, so
//     "Acme S.r.l. Unipersonale" reduces to "ACME"
//  4. Collapse whitespace
//
// Idempotent: normalizing a normalized name is a no-op.
func NormalizeName(name string) string {
	name = NormalizeText(name)
	if name == "" {
		return ""
	}

	for {
		stripped := name
		for _, suffix := range legalSuffixes {
			if rest := strings.TrimSuffix(name, suffix); rest != name && strings.TrimSpace(rest) != "" {
				stripped = strings.TrimSpace(rest)
				break
			}
		}
		if stripped == name {
			break
		}
		name = stripped
	}

	return name
}

// Fingerprint derives the name+locality identity key used by the dedup
// index and for job ids. Same company, same city, same fingerprint.
func Fingerprint(name, city string) string {
	return NormalizeName(name) + "|" + NormalizeText(city)
}
