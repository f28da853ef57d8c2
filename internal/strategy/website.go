package strategy

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/entity"
	"github.com/lanterna-data/enrich-cli/internal/model"
	"github.com/lanterna-data/enrich-cli/internal/resilience"
	"github.com/lanterna-data/enrich-cli/internal/waterfall"
	"github.com/lanterna-data/enrich-cli/pkg/oracle"
	"github.com/lanterna-data/enrich-cli/pkg/registry"
	"github.com/lanterna-data/enrich-cli/pkg/search"
)

const (
	// minVerifySignal is the weakest page score still counted as "this is
	// the company": below it the page is someone else squatting a similar
	// name.
	minVerifySignal = 0.3
	// earlyAcceptSignal stops search verification once a page scores this
	// high; further fetches cannot rank above it meaningfully.
	earlyAcceptSignal = 0.9
	// maxGuessHost bounds name-derived hosts; longer concatenations never
	// exist in practice.
	maxGuessHost = 30
	// maxVerifyFetches caps how many search hits get fetched per record.
	maxVerifyFetches = 3
	// minAffinity is the rank floor below which a search hit is not worth a
	// fetch.
	minAffinity = 0.25

	confRegistryVerified   = 0.9
	confRegistryUnverified = 0.8
	oracleSiteCap          = 0.8
)

// domainGuess tries the company's likely domains directly: the input website
// first when present, then name-derived hosts under the TLDs small Italian
// companies actually use. Cheapest strategy in the website waterfall, so it
// runs first. Dead guesses are expected and stay out of the attempt trail;
// only a block on a live host is worth reporting.
type domainGuess struct{ deps *Deps }

func (s *domainGuess) Name() string { return "domain_guess" }

func (s *domainGuess) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	var blocked error
	fetched := false
	for _, u := range guessURLs(req.Record) {
		page, err := s.deps.fetchPage(ctx, u, s.Name())
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			var be *resilience.BlockedError
			if errors.As(err, &be) && blocked == nil {
				blocked = err
			}
			continue
		}
		fetched = true
		if !page.OK() {
			continue
		}
		conf, note := pageSignals(req.Record, page)
		if conf < minVerifySignal {
			continue
		}
		return &model.Candidate{
			Value:      waterfall.CanonicalURL(page.FinalURL),
			Confidence: conf,
			Source:     s.Name(),
			Class:      model.ClassOwnSite,
			Method:     note,
			ObservedAt: time.Now(),
		}, nil
	}
	if !fetched && blocked != nil {
		return nil, blocked
	}
	return nil, nil
}

// guessURLs builds the fetch order for domain guessing. Guesses are deduped
// in canonical form so a record whose input website is the obvious guess
// does not fetch it twice.
func guessURLs(rec model.CompanyRecord) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(raw string) {
		u := fetchableURL(raw)
		key := waterfall.CanonicalURL(u)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, u)
	}

	if rec.Website != "" {
		add(rec.Website)
	}

	name := entity.NormalizeName(rec.Name)
	joined := strings.ToLower(strings.ReplaceAll(name, " ", ""))
	hyphen := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	if joined == "" || len(joined) > maxGuessHost {
		return out
	}
	for _, tld := range []string{".it", ".com"} {
		add("https://www." + joined + tld)
		if hyphen != joined {
			add("https://www." + hyphen + tld)
		}
	}
	return out
}

// searchVerify finds the site through web search and verifies hits by
// fetching them. Directory and platform domains are skipped outright; the
// rest are ranked by how well the domain echoes the company name, so the
// fetch budget goes to the likeliest first.
type searchVerify struct{ deps *Deps }

func (s *searchVerify) Name() string { return "search_verify" }

func (s *searchVerify) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	query := strings.TrimSpace(req.Record.Name + " " + req.Record.City)
	results, err := s.deps.runSearch(ctx, query, s.Name())
	if err != nil {
		return nil, err
	}

	var best *model.Candidate
	var blocked error
	fetches := 0
	for _, r := range rankResults(req.Record, results) {
		if fetches == maxVerifyFetches {
			break
		}
		if s.deps.Classifier.Hot(waterfall.Host(r.URL)) {
			// Verification fetches are discretionary; a host already
			// blocking us this run is not worth one.
			continue
		}
		fetches++
		page, err := s.deps.fetchPage(ctx, r.URL, s.Name())
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			var be *resilience.BlockedError
			if errors.As(err, &be) && blocked == nil {
				blocked = err
			}
			continue
		}
		if !page.OK() {
			continue
		}
		conf, note := pageSignals(req.Record, page)
		if conf < minVerifySignal {
			continue
		}
		if best == nil || conf > best.Confidence {
			best = &model.Candidate{
				Value:      waterfall.CanonicalURL(page.FinalURL),
				Confidence: conf,
				Source:     s.Name(),
				Class:      model.ClassOwnSite,
				Method:     note,
				ObservedAt: time.Now(),
			}
		}
		if conf >= earlyAcceptSignal {
			break
		}
	}
	if best != nil {
		return best, nil
	}
	if blocked != nil {
		return nil, blocked
	}
	return nil, nil
}

// rankResults drops directory hits and duplicate hosts from raw search
// results and orders the rest by domain affinity, with snippet corroboration
// (city, phone) as a booster.
func rankResults(rec model.CompanyRecord, results []search.Result) []search.Result {
	type ranked struct {
		result search.Result
		score  float64
	}

	phone := model.PhoneDigits(rec.Phone)
	city := entity.NormalizeText(rec.City)

	seen := make(map[string]bool)
	var keep []ranked
	for _, r := range results {
		host := waterfall.Host(r.URL)
		if host == "" || seen[host] || isDirectoryHost(r.URL) {
			continue
		}
		seen[host] = true

		score := domainAffinity(rec.Name, r.URL)
		snippet := entity.NormalizeText(r.Title + " " + r.Snippet)
		if city != "" && strings.Contains(snippet, city) {
			score += 0.1
		}
		if len(phone) >= 6 && strings.Contains(digitsIn([]byte(r.Snippet)), phone) {
			score += 0.2
		}
		if score < minAffinity {
			continue
		}
		keep = append(keep, ranked{result: r, score: score})
	}

	sort.SliceStable(keep, func(i, j int) bool { return keep[i].score > keep[j].score })

	out := make([]search.Result, len(keep))
	for i, r := range keep {
		out[i] = r.result
	}
	return out
}

// registrySite reads the website off the company's registry profile. The
// filing is official but self-reported, so a live fetch upgrades it and a
// dead link voids it; only a block leaves the filing to stand on its own.
type registrySite struct{ deps *Deps }

func (s *registrySite) Name() string { return "registry_site" }

func (s *registrySite) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
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
	if p.Website == "" {
		return nil, nil
	}

	page, err := s.deps.fetchPage(ctx, fetchableURL(p.Website), s.Name())
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var be *resilience.BlockedError
		if errors.As(err, &be) {
			return s.candidate(p.Website, confRegistryUnverified, "registry filing, fetch blocked"), nil
		}
		zap.L().Debug("registry website unreachable, filing treated as stale",
			zap.String("tax_id", id),
			zap.String("website", p.Website),
			zap.Error(err))
		return nil, nil
	}
	if !page.OK() {
		return nil, nil
	}
	if conf, note := pageSignals(req.Record, page); conf >= minVerifySignal {
		return s.candidate(page.FinalURL, confRegistryVerified, "registry filing, verified ("+note+")"), nil
	}
	// Live page that does not echo the record: the filing still stands,
	// image-heavy sites often carry no matchable text.
	return s.candidate(page.FinalURL, confRegistryUnverified, "registry filing"), nil
}

func (s *registrySite) candidate(rawURL string, conf float64, method string) *model.Candidate {
	return &model.Candidate{
		Value:      waterfall.CanonicalURL(rawURL),
		Confidence: conf,
		Source:     s.Name(),
		Class:      model.ClassRegistry,
		Method:     method,
		ObservedAt: time.Now(),
	}
}

// oracleSite asks the model for the company's likely domain and only trusts
// the answer after fetching it. Inference is never accepted on its own word,
// and its confidence is capped under the registry strategies.
type oracleSite struct{ deps *Deps }

func (s *oracleSite) Name() string { return "oracle_site" }

func (s *oracleSite) Resolve(ctx context.Context, req waterfall.Request) (*model.Candidate, error) {
	var out struct {
		Domain    string `json:"domain"`
		Reasoning string `json:"reasoning"`
	}
	err := s.deps.askOracle(ctx, "website_suggestion", sitePrompt(req.Record), &out)
	if errors.Is(err, oracle.ErrExtraction) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	domain := strings.TrimSpace(out.Domain)
	if domain == "" || isDirectoryHost(domain) {
		return nil, nil
	}
	page, err := s.deps.fetchPage(ctx, fetchableURL(domain), s.Name())
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		zap.L().Debug("suggested domain unverifiable",
			zap.String("domain", domain),
			zap.Error(err))
		return nil, nil
	}
	if !page.OK() {
		return nil, nil
	}
	conf, note := pageSignals(req.Record, page)
	if conf < minVerifySignal {
		return nil, nil
	}
	if conf > oracleSiteCap {
		conf = oracleSiteCap
	}
	return &model.Candidate{
		Value:      waterfall.CanonicalURL(page.FinalURL),
		Confidence: conf,
		Source:     s.Name(),
		Class:      model.ClassInference,
		Method:     note,
		ObservedAt: time.Now(),
	}, nil
}

// sitePrompt builds the website-suggestion prompt from whatever the record
// offers.
func sitePrompt(rec model.CompanyRecord) string {
	var b strings.Builder
	b.WriteString("Suggest the most likely official website domain for this Italian company.\n")
	b.WriteString("Company: " + rec.Name + "\n")
	if rec.City != "" {
		b.WriteString("City: " + rec.City + "\n")
	}
	if rec.Province != "" {
		b.WriteString("Province: " + rec.Province + "\n")
	}
	if rec.Address != "" {
		b.WriteString("Address: " + rec.Address + "\n")
	}
	if rec.Phone != "" {
		b.WriteString("Phone: " + rec.Phone + "\n")
	}
	b.WriteString(`Reply with {"domain": "...", "reasoning": "..."}. Use an empty domain if unsure; never invent one.`)
	return b.String()
}
