// Package classify maps raw HTTP outcomes and transport errors onto a closed
// failure taxonomy, and keeps rolling per-target counters so the rest of the
// engine can see which targets are currently hostile.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Kind is the closed set of failure classes. Anything that does not match a
// rule is KindNone: an unremarkable response.
type Kind string

const (
	KindNone              Kind = "none"
	KindCaptcha           Kind = "captcha"
	KindWafBlock          Kind = "waf_block"
	KindRateLimited       Kind = "rate_limited"
	KindChallengePage     Kind = "challenge_page"
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindEmptyResponse     Kind = "empty_response"
)

// Blocking reports whether the kind indicates deliberate refusal by the
// target. Blocking kinds drive the rate governor's backoff.
func (k Kind) Blocking() bool {
	switch k {
	case KindCaptcha, KindWafBlock, KindRateLimited, KindChallengePage:
		return true
	default:
		return false
	}
}

// Signature is one classified observation against a target.
type Signature struct {
	Kind       Kind      `json:"kind"`
	Target     string    `json:"target"`
	Source     string    `json:"source"` // strategy or client that saw it
	HTTPStatus int       `json:"http_status,omitempty"`
	Detail     string    `json:"detail,omitempty"` // first matching marker
	ObservedAt time.Time `json:"observed_at"`
}

// captchaMarkers identify captcha walls in response bodies.
var captchaMarkers = []string{
	"captcha",
	"recaptcha",
	"hcaptcha",
	"cf-turnstile",
}

// challengeMarkers identify JS-challenge interstitials.
var challengeMarkers = []string{
	"checking your browser",
	"cf-browser-verification",
	"just a moment",
	"verifica in corso",
	"ddos protection by",
}

// Config tunes the rolling counters.
type Config struct {
	Window         time.Duration `mapstructure:"window"`           // how long a signature stays countable
	MaxPerTarget   int           `mapstructure:"max_per_target"`   // ring size per target
	HotThreshold   int           `mapstructure:"hot_threshold"`    // blocking signatures within Window to flag a target hot
	EmptyBodyBytes int           `mapstructure:"empty_body_bytes"` // 2xx bodies at or below this size are structurally empty
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Window:         15 * time.Minute,
		MaxPerTarget:   50,
		HotThreshold:   3,
		EmptyBodyBytes: 100,
	}
}

// Classifier applies the taxonomy rules and tracks recent signatures.
// Safe for concurrent use.
type Classifier struct {
	cfg     Config
	nowFunc func() time.Time

	mu     sync.Mutex
	recent map[string][]Signature
}

// New creates a Classifier. Zero-value config fields fall back to defaults.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxPerTarget <= 0 {
		cfg.MaxPerTarget = def.MaxPerTarget
	}
	if cfg.HotThreshold <= 0 {
		cfg.HotThreshold = def.HotThreshold
	}
	if cfg.EmptyBodyBytes <= 0 {
		cfg.EmptyBodyBytes = def.EmptyBodyBytes
	}
	return &Classifier{
		cfg:     cfg,
		nowFunc: time.Now,
		recent:  make(map[string][]Signature),
	}
}

// Classify maps an HTTP response onto the taxonomy and records the result.
// Rule order is the precedence order: 429 beats everything, a 403 with a
// captcha marker in the body is a captcha (not a WAF block), challenge
// markers count on any status, and only then do structural checks apply.
func (c *Classifier) Classify(status int, header http.Header, body []byte, target, source string) Signature {
	sig := Signature{
		Target:     target,
		Source:     source,
		HTTPStatus: status,
		ObservedAt: c.nowFunc(),
		Kind:       KindNone,
	}

	lower := strings.ToLower(string(body))
	captchaHit := firstMarker(lower, captchaMarkers)
	challengeHit := firstMarker(lower, challengeMarkers)

	switch {
	case status == http.StatusTooManyRequests:
		sig.Kind = KindRateLimited
		sig.Detail = header.Get("Retry-After")

	case status == http.StatusForbidden && captchaHit != "":
		sig.Kind = KindCaptcha
		sig.Detail = captchaHit

	case status == http.StatusForbidden:
		sig.Kind = KindWafBlock
		sig.Detail = wafDetail(header)

	case captchaHit != "":
		sig.Kind = KindCaptcha
		sig.Detail = captchaHit

	case challengeHit != "":
		sig.Kind = KindChallengePage
		sig.Detail = challengeHit

	case status >= 200 && status < 300 && len(body) <= c.cfg.EmptyBodyBytes:
		sig.Kind = KindEmptyResponse

	case status >= 200 && status < 300 && isShellPage(lower, len(body)):
		sig.Kind = KindChallengePage
		sig.Detail = "js shell"
	}

	c.record(sig)
	return sig
}

// ClassifyError maps a transport error onto the taxonomy and records the
// result. API clients bury the HTTP status in the error message, so status
// markers are matched by string here. Errors with no taxonomy slot come back
// as KindNone and are left to the retry policy.
func (c *Classifier) ClassifyError(err error, target, source string) Signature {
	sig := Signature{
		Target:     target,
		Source:     source,
		ObservedAt: c.nowFunc(),
		Kind:       KindNone,
	}
	if err == nil {
		return sig
	}
	sig.Detail = err.Error()
	msg := strings.ToLower(err.Error())

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		sig.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		sig.Kind = KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		sig.Kind = KindConnectionRefused
	case strings.Contains(msg, "connection refused"):
		sig.Kind = KindConnectionRefused
	case strings.Contains(msg, "status 429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"):
		sig.Kind = KindRateLimited
	case strings.Contains(msg, "status 403"),
		strings.Contains(msg, "403 forbidden"):
		sig.Kind = KindWafBlock
	case strings.Contains(msg, "timeout"):
		sig.Kind = KindTimeout
	}

	c.record(sig)
	return sig
}

// Snapshot returns the count of recent signatures per kind for a target.
func (c *Classifier) Snapshot(target string) map[Kind]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(target)
	counts := make(map[Kind]int)
	for _, sig := range c.recent[target] {
		counts[sig.Kind]++
	}
	return counts
}

// Hot reports whether a target's recent blocking-signature count has reached
// the hot threshold. Advisory: callers use it to spare discretionary calls
// to a target that is already fighting back, while the governor keeps owning
// the actual backoff.
func (c *Classifier) Hot(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(target)
	blocking := 0
	for _, sig := range c.recent[target] {
		if sig.Kind.Blocking() {
			blocking++
		}
	}
	return blocking >= c.cfg.HotThreshold
}

// HotTargets lists targets whose recent blocking-signature count has reached
// the hot threshold, sorted for stable output.
func (c *Classifier) HotTargets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hot []string
	for target := range c.recent {
		c.pruneLocked(target)
		blocking := 0
		for _, sig := range c.recent[target] {
			if sig.Kind.Blocking() {
				blocking++
			}
		}
		if blocking >= c.cfg.HotThreshold {
			hot = append(hot, target)
		}
	}
	sort.Strings(hot)
	return hot
}

// record keeps classified (non-None) signatures in the per-target ring.
func (c *Classifier) record(sig Signature) {
	if sig.Kind == KindNone || sig.Target == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := append(c.recent[sig.Target], sig)
	if over := len(ring) - c.cfg.MaxPerTarget; over > 0 {
		ring = ring[over:]
	}
	c.recent[sig.Target] = ring
	c.pruneLocked(sig.Target)
}

// pruneLocked drops signatures older than the window. Callers hold mu.
func (c *Classifier) pruneLocked(target string) {
	cutoff := c.nowFunc().Add(-c.cfg.Window)
	ring := c.recent[target]
	keep := ring[:0]
	for _, sig := range ring {
		if sig.ObservedAt.After(cutoff) {
			keep = append(keep, sig)
		}
	}
	if len(keep) == 0 {
		delete(c.recent, target)
		return
	}
	c.recent[target] = keep
}

func firstMarker(lowerBody string, markers []string) string {
	for _, m := range markers {
		if strings.Contains(lowerBody, m) {
			return m
		}
	}
	return ""
}

// wafDetail pulls an identifying header from known WAF vendors.
func wafDetail(header http.Header) string {
	if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" {
		return "cloudflare"
	}
	if strings.EqualFold(header.Get("server"), "cloudflare") {
		return "cloudflare"
	}
	if header.Get("x-amzn-waf-action") != "" {
		return "aws-waf"
	}
	return ""
}

// isShellPage flags small documents that only bootstrap JavaScript.
func isShellPage(lowerBody string, size int) bool {
	if size >= 2000 {
		return false
	}
	if strings.Contains(lowerBody, "<noscript") && strings.Contains(lowerBody, "javascript") {
		return true
	}
	return strings.Contains(lowerBody, `http-equiv="refresh"`)
}
