package search

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

type apiClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewAPIClient creates a Provider backed by a JSON search API.
func NewAPIClient(apiKey string, opts ...Option) Provider {
	cfg := &clientConfig{
		baseURL: "https://s.jina.ai",
		http:    defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &apiClient{apiKey: apiKey, baseURL: cfg.baseURL, http: cfg.http}
}

type apiResponse struct {
	Code int         `json:"code"`
	Data []apiResult `json:"data"`
}

type apiResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// retryDo executes an HTTP request with capped exponential backoff on
// transient failures. Returns the response body and status code on success,
// or the last error after exhausting retries.
func (c *apiClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const (
		maxAttempts = 3
		maxBackoff  = 8 * time.Second
	)
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Clone request for retry (body is nil for GET requests).
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
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "search: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("search: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *apiClient) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	reqURL := fmt.Sprintf("%s/%s", c.baseURL, url.QueryEscape(query))

	if so.siteFilter != "" {
		reqURL += "?site=" + url.QueryEscape(so.siteFilter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "search: create request")
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "search: request failed")
	}

	// The API returns 422 when no results are available for the query.
	// Treat this as empty results rather than an error.
	if statusCode == http.StatusUnprocessableEntity {
		return nil, nil
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("search: unexpected status %d: %s", statusCode, string(body))
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "search: unmarshal response")
	}

	results := make([]Result, 0, len(parsed.Data))
	for _, r := range parsed.Data {
		snippet := r.Description
		if snippet == "" {
			snippet = r.Content
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: snippet})
	}

	return results, nil
}
