// Package inipec provides a client for the national PEC index, which maps
// company tax ids to their certified e-mail addresses.
package inipec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// ErrNotFound means the index has no PEC entry for the tax id.
var ErrNotFound = eris.New("inipec: no entry for tax id")

// Client defines the PEC index lookup.
type Client interface {
	// LookupPEC fetches the certified e-mail entry for a company tax id.
	// Returns ErrNotFound when the index has no entry.
	LookupPEC(ctx context.Context, taxID string) (*Entry, error)
}

// Entry is one company's record in the index. Companies may register more
// than one address; the first is the primary.
type Entry struct {
	TaxID   string   `json:"tax_id"`
	Company string   `json:"company,omitempty"`
	PECs    []string `json:"pec_addresses"`
}

// Primary returns the first registered address, or "" when none exist.
func (e *Entry) Primary() string {
	if len(e.PECs) == 0 {
		return ""
	}
	return e.PECs[0]
}

// Option configures the index client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a PEC index client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.inipec.example.it",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) LookupPEC(ctx context.Context, taxID string) (*Entry, error) {
	reqURL := fmt.Sprintf("%s/v1/pec/%s", c.baseURL, url.PathEscape(taxID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "inipec: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "inipec: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "inipec: read response body")
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("inipec: status %d: %s", resp.StatusCode, string(body))
	}

	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, eris.Wrap(err, "inipec: unmarshal entry")
	}
	if entry.TaxID == "" {
		return nil, eris.New("inipec: entry missing tax_id echo")
	}

	return &entry, nil
}
