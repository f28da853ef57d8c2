// Package strategy implements the named resolution methods the field
// waterfalls sequence: registry lookups, site verification, identifier
// validation, PEC lookup and model inference. Every outbound call a strategy
// makes is paced by the governor and fed to the classifier, so pacing and
// block detection stay uniform no matter which waterfall runs it.
package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lanterna-data/enrich-cli/internal/browse"
	"github.com/lanterna-data/enrich-cli/internal/classify"
	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/govern"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/inipec"
	"github.com/lanterna-data/enrich-cli/pkg/oracle"
	"github.com/lanterna-data/enrich-cli/pkg/registry"
	"github.com/lanterna-data/enrich-cli/pkg/search"
	"github.com/lanterna-data/enrich-cli/pkg/vies"
)

// Logical governor targets for the API clients. Page fetches use the page's
// host instead, so every scraped site gets its own pacing lane.
const (
	targetSearch   = "search"
	targetRegistry = "registry"
	targetVIES     = "vies"
	targetINIPEC   = "inipec"
	targetOracle   = "oracle"
)

// Deps bundles the engine surfaces and external clients the strategies
// share. A nil client disables the strategies that need it: they report
// dependency-missing instead of failing, so a deployment without an oracle
// key simply runs shorter waterfalls.
type Deps struct {
	Browser    browse.Browser
	Search     search.Provider
	Registry   registry.Client
	VIES       vies.Client
	INIPEC     inipec.Client
	Oracle     oracle.Client
	Governor   *govern.Governor
	Classifier *classify.Classifier

	// profiles memoizes registry profiles by tax id for the lifetime of the
	// Deps value. The tax id, financial and PEC waterfalls all want the same
	// profile, and the governor makes repeat fetches expensive.
	profiles sync.Map
}

// reportOutcome feeds one client-call outcome to the classifier and the
// governor. Sentinels passed as clean are answers, not failures (a not-found
// is the service working), so they count as successes for pacing and come
// back unchanged for the caller to switch on. Anything else is classified,
// reported, and wrapped in its resilience class.
func (d *Deps) reportOutcome(target, source string, err error, clean ...error) error {
	if err == nil {
		d.Governor.ReportSuccess(target)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		// Our shutdown, not the target's fault.
		return err
	}
	for _, sentinel := range clean {
		if errors.Is(err, sentinel) {
			d.Governor.ReportSuccess(target)
			return err
		}
	}
	sig := d.Classifier.ClassifyError(err, target, source)
	d.Governor.ReportFailure(target, sig.Kind)
	if sig.Kind.Blocking() {
		return resilience.NewBlockedError(sig)
	}
	return resilience.NewNetworkError(err, target)
}

// fetchPage fetches one URL under the governor and classifies the response.
// Block signatures (captcha, WAF, rate limiting) come back as BlockedError
// and transport failures as NetworkError. Served error statuses are data:
// the page is returned and the caller decides what a 404 means for its
// field.
func (d *Deps) fetchPage(ctx context.Context, rawURL, source string) (*browse.Page, error) {
	if d.Browser == nil {
		return nil, waterfall.ErrDependencyMissing
	}
	target := waterfall.Host(rawURL)
	if target == "" {
		return nil, resilience.Validationf("strategy: unusable url %q", rawURL)
	}
	if err := d.Governor.WaitForSlot(ctx, target); err != nil {
		return nil, err
	}

	page, err := d.Browser.Fetch(ctx, rawURL)
	if err != nil {
		return nil, d.reportOutcome(target, source, err)
	}

	sig := d.Classifier.Classify(page.StatusCode, page.Header, page.Body, target, source)
	if sig.Kind.Blocking() {
		d.Governor.ReportFailure(target, sig.Kind)
		return nil, resilience.NewBlockedError(sig)
	}
	d.Governor.ReportSuccess(target)
	return page, nil
}

// runSearch performs one paced search. The provider is one logical target
// regardless of query, so a rate-limited search backend slows every strategy
// that leans on it, not only the one that tripped it.
func (d *Deps) runSearch(ctx context.Context, query, source string, opts ...search.SearchOption) ([]search.Result, error) {
	if d.Search == nil {
		return nil, waterfall.ErrDependencyMissing
	}
	if err := d.Governor.WaitForSlot(ctx, targetSearch); err != nil {
		return nil, err
	}
	results, err := d.Search.Search(ctx, query, opts...)
	if err := d.reportOutcome(targetSearch, source, err); err != nil {
		return nil, err
	}
	return results, nil
}

// askOracle runs one paced structured-completion call. Extraction failures
// (the model produced no usable JSON) pass through as oracle.ErrExtraction
// for the caller to treat as a miss.
func (d *Deps) askOracle(ctx context.Context, task, prompt string, out any) error {
	if d.Oracle == nil {
		return waterfall.ErrDependencyMissing
	}
	if err := d.Governor.WaitForSlot(ctx, targetOracle); err != nil {
		return err
	}
	err := d.Oracle.CompleteStructured(ctx, task, prompt, out)
	return d.reportOutcome(targetOracle, task, err, oracle.ErrExtraction)
}

// profile fetches a registry profile with per-run memoization, misses
// included. Transient failures are not memoized so a later waterfall may
// retry.
func (d *Deps) profile(ctx context.Context, taxID, source string) (*registry.Profile, error) {
	if d.Registry == nil {
		return nil, waterfall.ErrDependencyMissing
	}
	if v, ok := d.profiles.Load(taxID); ok {
		p := v.(*registry.Profile)
		if p == nil {
			return nil, registry.ErrNotFound
		}
		return p, nil
	}

	if err := d.Governor.WaitForSlot(ctx, targetRegistry); err != nil {
		return nil, err
	}
	p, err := d.Registry.GetByTaxID(ctx, taxID)
	err = d.reportOutcome(targetRegistry, source, err, registry.ErrNotFound)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		d.profiles.Store(taxID, (*registry.Profile)(nil))
		return nil, err
	case err != nil:
		return nil, err
	}
	d.profiles.Store(taxID, p)
	return p, nil
}

// Signal weights for page verification. A tax id match is near-conclusive,
// phone digits are strong corroboration, name coverage carries the rest.
const (
	signalTaxID = 0.45
	signalPhone = 0.30
	signalName  = 0.35
	signalTitle = 0.10
	signalCity  = 0.10
	signalCap   = 0.97
)

// pageSignals scores how strongly a fetched page identifies the company,
// returning a confidence and a short note naming the matched signals. Zero
// means the page shows no connection to the record. Identifiers are matched
// against the raw body because tax ids and phone numbers live in footers the
// text stripper drops.
func pageSignals(rec model.CompanyRecord, page *browse.Page) (float64, string) {
	corpus := entity.NormalizeText(page.Title + " " + page.Text)

	var conf float64
	var hits []string

	tokens := nameTokens(rec.Name)
	if len(tokens) > 0 && corpus != "" {
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(corpus, tok) {
				matched++
			}
		}
		if matched > 0 {
			conf += signalName * float64(matched) / float64(len(tokens))
			hits = append(hits, "name")
		}
		if title := entity.NormalizeText(page.Title); title != "" {
			for _, tok := range tokens {
				if strings.Contains(title, tok) {
					conf += signalTitle
					hits = append(hits, "title")
					break
				}
			}
		}
	}

	pageDigits := digitsIn(page.Body)
	if id := model.CleanTaxID(rec.TaxID); id != "" && strings.Contains(pageDigits, id) {
		conf += signalTaxID
		hits = append(hits, "tax_id")
	}
	if phone := model.PhoneDigits(rec.Phone); len(phone) >= 6 && strings.Contains(pageDigits, phone) {
		conf += signalPhone
		hits = append(hits, "phone")
	}
	if city := entity.NormalizeText(rec.City); city != "" && strings.Contains(corpus, city) {
		conf += signalCity
		hits = append(hits, "city")
	}

	if len(hits) == 0 {
		return 0, ""
	}
	if conf > signalCap {
		conf = signalCap
	}
	return conf, "matched " + strings.Join(hits, "+")
}

// fetchableURL gives a raw website value a scheme so the browser can request
// it. Input records and registry filings routinely carry bare hosts.
func fetchableURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return s
}

// nameTokens splits a normalized company name into the tokens worth matching
// on. One- and two-letter leftovers ("DI", "E") are too common to signal
// anything.
func nameTokens(name string) []string {
	var out []string
	for _, tok := range strings.Fields(entity.NormalizeName(name)) {
		if len(tok) >= 3 {
			out = append(out, tok)
		}
	}
	return out
}

// digitsIn extracts every digit from raw HTML into one searchable run, so
// formatted identifiers ("P.IVA 00743 110 157", "+39 02 1234 567") and
// tag-split ones match as plain sequences.
func digitsIn(body []byte) string {
	var b strings.Builder
	b.Grow(256)
	for _, c := range body {
		if c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// directoryHosts are aggregators, registries and platforms that routinely
// outrank small-company sites in search. Their pages verify well against a
// record, but they are never the company's own website.
var directoryHosts = []string{
	"paginegialle.it",
	"paginebianche.it",
	"registroimprese.it",
	"ufficiocamerale.it",
	"reportaziende.it",
	"informazione-aziende.it",
	"misterimprese.it",
	"cylex-italia.it",
	"kompass.com",
	"europages.com",
	"facebook.com",
	"instagram.com",
	"linkedin.com",
	"wikipedia.org",
	"tripadvisor.it",
}

// isDirectoryHost reports whether the URL points into a known directory or
// platform domain rather than a company-owned one.
func isDirectoryHost(rawURL string) bool {
	host := waterfall.Host(rawURL)
	if host == "" {
		return false
	}
	for _, dir := range directoryHosts {
		if host == dir || strings.HasSuffix(host, "."+dir) {
			return true
		}
	}
	return false
}

// domainAffinity scores how well a URL's host echoes the company name, used
// to rank search results before spending fetches on them. 1.0 is an exact
// concatenated-name match.
func domainAffinity(name, rawURL string) float64 {
	host := waterfall.Host(rawURL)
	if host == "" {
		return 0
	}
	base := host
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	base = strings.ToLower(strings.ReplaceAll(base, "-", ""))

	tokens := nameTokens(name)
	if len(tokens) == 0 {
		return 0
	}
	joined := strings.ToLower(strings.Join(tokens, ""))

	switch {
	case base == joined:
		return 1
	case strings.Contains(base, joined),
		len(base) >= 5 && strings.Contains(joined, base):
		return 0.9
	}

	matched := 0
	for _, tok := range tokens {
		if strings.Contains(base, strings.ToLower(tok)) {
			matched++
		}
	}
	return 0.8 * float64(matched) / float64(len(tokens))
}
