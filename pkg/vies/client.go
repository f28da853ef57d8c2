// Package vies provides a client for the EU VAT Information Exchange
// System, used to validate Italian VAT numbers against the official record.
package vies

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidFormat means the VAT number cannot be valid for Italy, so no
// lookup was attempted. Italian VAT numbers are exactly eleven digits.
var ErrInvalidFormat = eris.New("vies: invalid vat number format")

// Client defines the VAT validation operation.
type Client interface {
	// Check validates a VAT number. Accepts both bare ("00743110157") and
	// prefixed ("IT00743110157") forms. Returns ErrInvalidFormat without
	// calling the service when the shape is wrong.
	Check(ctx context.Context, vatNumber string) (*Result, error)
}

// Result is the service's verdict on one VAT number.
type Result struct {
	CountryCode string `json:"countryCode"`
	VATNumber   string `json:"vatNumber"`
	Valid       bool   `json:"valid"`
	Name        string `json:"name,omitempty"`
	Address     string `json:"address,omitempty"`
	RequestDate string `json:"requestDate,omitempty"`
}

// Option configures the VIES client.
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
	baseURL string
	http    *http.Client
}

// NewClient creates a VIES client. The service is public, no key needed.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://ec.europa.eu/taxation_customs/vies/rest-api",
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

type checkRequest struct {
	CountryCode string `json:"countryCode"`
	VATNumber   string `json:"vatNumber"`
}

func (c *httpClient) Check(ctx context.Context, vatNumber string) (*Result, error) {
	digits, err := NormalizeVAT(vatNumber)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(checkRequest{CountryCode: "IT", VATNumber: digits})
	if err != nil {
		return nil, eris.Wrap(err, "vies: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/check-vat-number", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "vies: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "vies: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "vies: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("vies: status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "vies: unmarshal response")
	}
	if result.VATNumber == "" {
		return nil, eris.New("vies: response missing vatNumber echo")
	}

	return &result, nil
}

// NormalizeVAT strips spaces and an optional IT prefix and enforces the
// eleven-digit Italian format. Returns the bare digits.
func NormalizeVAT(vatNumber string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(vatNumber), " ", ""))
	s = strings.TrimPrefix(s, "IT")
	if len(s) != 11 {
		return "", ErrInvalidFormat
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", ErrInvalidFormat
		}
	}
	return s, nil
}
