package waterfall

import (
	"net/url"
	"strings"

	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/model"
)

// CanonicalURL reduces a URL to its canonical comparison form: lowercased
// host, no scheme, no "www.", no default port, no trailing slash, no
// fragment, tracking params (utm_*) dropped, remaining query sorted. This
// one function serves both cache keys and verification comparisons; a
// second canonicalization anywhere else is a bug. Idempotent.
func CanonicalURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	port := u.Port()
	if port == "80" || port == "443" {
		port = ""
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			delete(q, k)
		}
	}
	query := q.Encode() // sorted by key

	var b strings.Builder
	b.WriteString(host)
	if port != "" {
		b.WriteString(":")
		b.WriteString(port)
	}
	b.WriteString(path)
	if query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String()
}

// SameSite reports whether two URLs canonicalize to the same host.
func SameSite(a, b string) bool {
	return hostOf(CanonicalURL(a)) == hostOf(CanonicalURL(b)) && a != "" && b != ""
}

// Host returns the canonical host of a URL: the per-target key for pacing
// and block tracking.
func Host(raw string) string {
	return hostOf(CanonicalURL(raw))
}

func hostOf(canonical string) string {
	if i := strings.IndexAny(canonical, "/?"); i >= 0 {
		return canonical[:i]
	}
	return canonical
}

// CacheKey derives the canonical cache key for resolving field on rec. The
// identity part prefers the tax id (exact) over the name+locality
// fingerprint; a pre-known website is embedded in canonical form so records
// arriving with different spellings of the same site share an entry.
func CacheKey(field model.FieldKey, rec model.CompanyRecord) string {
	id := model.CleanTaxID(rec.TaxID)
	if id == "" {
		id = entity.Fingerprint(rec.Name, rec.City)
	}
	key := string(field) + "|" + id
	if field == model.FieldWebsite && rec.Website != "" {
		key += "|" + CanonicalURL(rec.Website)
	}
	return key
}
