package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

const engineMaxResults = 10

type engineClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewEngineClient creates a Provider that scrapes an HTML results endpoint.
// It is the fallback when no search API key is configured.
func NewEngineClient(opts ...Option) Provider {
	cfg := &clientConfig{
		baseURL: "https://html.duckduckgo.com/html",
		http:    defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &engineClient{
		baseURL:   cfg.baseURL,
		userAgent: "Mozilla/5.0 (compatible; EnrichBot/1.0)",
		http:      cfg.http,
	}
}

func (c *engineClient) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	if so.siteFilter != "" {
		query += " site:" + so.siteFilter
	}

	reqURL := c.baseURL + "/?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "search: create engine request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "search: engine request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("search: engine returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "search: parse results page")
	}

	return extractResults(doc), nil
}

func extractResults(doc *goquery.Document) []Result {
	var results []Result

	doc.Find("div.result").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		link := sel.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}

		results = append(results, Result{
			Title:   strings.TrimSpace(link.Text()),
			URL:     resolveRedirect(href),
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").First().Text()),
		})

		return len(results) < engineMaxResults
	})

	return results
}

// resolveRedirect unwraps the engine's click-tracking links, which carry the
// destination in a uddg query parameter.
func resolveRedirect(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}

	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if dest := parsed.Query().Get("uddg"); dest != "" {
		return dest
	}
	return href
}
