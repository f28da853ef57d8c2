// Package browse fetches pages for verification and harvesting. It returns
// whatever the target served, error statuses included, because deciding
// whether a response is a block is the classifier's job, not the fetcher's.
package browse

import (
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// maxBodyBytes caps how much of a page is read. Company sites occasionally
// serve huge brochure pages; everything we harvest lives in the first half
// megabyte.
const maxBodyBytes = 512 * 1024

// Page is one fetched document.
type Page struct {
	URL        string      // as requested
	FinalURL   string      // after redirects
	StatusCode int
	Header     http.Header
	Body       []byte // raw, capped at maxBodyBytes
	Text       string // tag-stripped plaintext
	Title      string
}

// OK reports whether the page came back with a 2xx status.
func (p *Page) OK() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}

// Browser fetches pages. Transport failures are errors; HTTP error statuses
// are data and come back as a Page.
type Browser interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// HTTPBrowser is the plain net/http Browser.
type HTTPBrowser struct {
	client    *http.Client
	userAgent string
}

// Option configures an HTTPBrowser.
type Option func(*HTTPBrowser)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *HTTPBrowser) { b.client = c }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(b *HTTPBrowser) { b.userAgent = ua }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *HTTPBrowser) { b.client.Timeout = d }
}

// New creates an HTTPBrowser with sensible defaults.
func New(opts ...Option) *HTTPBrowser {
	b := &HTTPBrowser{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: "Mozilla/5.0 (compatible; EnrichBot/1.0)",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Fetch retrieves url. A URL without a scheme is fetched as https.
func (b *HTTPBrowser) Fetch(ctx context.Context, url string) (*Page, error) {
	target := url
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "browse: create request %s", url)
	}
	req.Header.Set("User-Agent", b.userAgent)
	req.Header.Set("Accept-Language", "it-IT,it;q=0.9,en;q=0.5")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "browse: fetch %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "browse: read body %s", url)
	}

	page := &Page{
		URL:        url,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Title:      ExtractTitle(body),
		Text:       StripHTML(string(body)),
	}
	return page, nil
}

var titleRe = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)

// ExtractTitle pulls the <title> from HTML.
func ExtractTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if len(m) > 1 {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// StripHTML removes scripts/styles/nav/footer, strips tags, decodes
// entities, and collapses whitespace. Good enough for signal matching and
// identifier harvesting; not a renderer.
func StripHTML(html string) string {
	for _, tag := range []string{"script", "style", "nav", "footer"} {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		html = re.ReplaceAllString(html, "")
	}

	tagRe := regexp.MustCompile(`<[^>]+>`)
	html = tagRe.ReplaceAllString(html, " ")

	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&agrave;", "à",
		"&egrave;", "è",
		"&eacute;", "é",
		"&igrave;", "ì",
		"&ograve;", "ò",
		"&ugrave;", "ù",
	)
	html = r.Replace(html)

	spaceRe := regexp.MustCompile(`\s+`)
	return strings.TrimSpace(spaceRe.ReplaceAllString(html, " "))
}
