// Package registry provides a client for the business registry API, which
// serves official company profiles keyed by tax id.
package registry

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

// Company status values as reported by the registry.
const (
	StatusActive = "active"
	StatusCeased = "ceased"
)

// ErrNotFound means the registry has no profile for the identifier.
var ErrNotFound = eris.New("registry: profile not found")

// Client defines the registry lookup operations.
type Client interface {
	// GetByTaxID fetches the official profile for a tax id.
	// Returns ErrNotFound when the registry has no such company.
	GetByTaxID(ctx context.Context, taxID string) (*Profile, error)
	// SearchByName searches profiles by company name, optionally narrowed
	// to a city. Returns an empty slice when nothing matches.
	SearchByName(ctx context.Context, name, city string) ([]Profile, error)
}

// Profile is one company record as filed with the registry.
type Profile struct {
	LegalName string  `json:"legal_name"`
	TaxID     string  `json:"tax_id"`
	Address   string  `json:"address,omitempty"`
	City      string  `json:"city,omitempty"`
	Province  string  `json:"province,omitempty"`
	PEC       string  `json:"pec,omitempty"`
	Website   string  `json:"website,omitempty"`
	Status    string  `json:"status"`
	Filing    *Filing `json:"latest_filing,omitempty"`
}

// Filing is the most recent financial statement on file.
type Filing struct {
	Year       int   `json:"year"`
	RevenueEUR int64 `json:"revenue_eur"`
	Employees  int   `json:"employees"`
}

// Ceased reports whether the company is recorded as no longer operating.
func (p *Profile) Ceased() bool { return p.Status == StatusCeased }

// Option configures the registry client.
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

// NewClient creates a registry API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.registroimprese.example.it",
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

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures. Returns the response body and status code on success,
// or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "registry: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("registry: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) GetByTaxID(ctx context.Context, taxID string) (*Profile, error) {
	reqURL := fmt.Sprintf("%s/v1/companies/%s", c.baseURL, url.PathEscape(taxID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "registry: create request")
	}
	c.setHeaders(req)

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "registry: request failed")
	}

	if statusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("registry: status %d: %s", statusCode, string(body))
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal profile")
	}
	if err := validateProfile(&profile); err != nil {
		return nil, err
	}

	return &profile, nil
}

type searchResponse struct {
	Items []Profile `json:"items"`
}

func (c *httpClient) SearchByName(ctx context.Context, name, city string) ([]Profile, error) {
	params := url.Values{"name": {name}}
	if city != "" {
		params.Set("city", city)
	}
	reqURL := fmt.Sprintf("%s/v1/companies?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "registry: create search request")
	}
	c.setHeaders(req)

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "registry: search request failed")
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("registry: status %d: %s", statusCode, string(body))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal search response")
	}
	for i := range parsed.Items {
		if err := validateProfile(&parsed.Items[i]); err != nil {
			return nil, err
		}
	}

	return parsed.Items, nil
}

func (c *httpClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// validateProfile rejects response shapes missing the fields every filing
// carries. A profile without them cannot be trusted for enrichment.
func validateProfile(p *Profile) error {
	if p.LegalName == "" {
		return eris.New("registry: profile missing legal_name")
	}
	if p.TaxID == "" {
		return eris.New("registry: profile missing tax_id")
	}
	if p.Filing != nil && p.Filing.Year <= 0 {
		return eris.Errorf("registry: filing for %s has no year", p.TaxID)
	}
	return nil
}
