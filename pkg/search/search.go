// Package search provides web search providers used to locate candidate
// company websites and registry pages.
package search

import (
	"context"
	"net/http"
	"time"
)

// Provider defines the search operations strategies depend on.
type Provider interface {
	// Search runs a web search and returns ranked results, best first.
	Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error)
}

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchOption configures a single search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	siteFilter string
}

// WithSiteFilter restricts search results to a specific domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) {
		o.siteFilter = domain
	}
}

// Option configures a search client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL string
	http    *http.Client
}

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.http = hc
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
