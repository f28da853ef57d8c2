// Package oracle wraps the Anthropic API behind a structured-completion
// call. The engine uses it as a last-resort resolution strategy: the model
// proposes values, downstream verification decides whether to trust them.
package oracle

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrExtraction means the model reply carried no usable JSON object. Callers
// treat it as "nothing found", never as a crash.
var ErrExtraction = eris.New("oracle: no usable JSON in reply")

// Client defines the structured completion operation.
type Client interface {
	// CompleteStructured sends one extraction prompt and decodes the single
	// JSON object in the reply into out (strict: unknown fields rejected).
	// task names the extraction for cost attribution.
	CompleteStructured(ctx context.Context, task, prompt string, out any) error
}

// Config tunes the completion calls.
type Config struct {
	Model     string
	MaxTokens int64
}

const systemPrompt = `You are a data-extraction engine for Italian business records.
Reply with exactly one JSON object and nothing else: no prose, no code fences.
If you cannot answer, reply with an empty JSON object {}.`

type client struct {
	llm       llm
	model     string
	maxTokens int64
}

// llm is the narrow slice of the SDK the oracle calls. Tests swap in a
// canned implementation.
type llm interface {
	createMessage(ctx context.Context, req messageRequest) (*messageResponse, error)
}

type messageRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	User        string
	Temperature float64
}

type messageResponse struct {
	Text       string
	StopReason string
	Usage      TokenUsage
}

// New creates an oracle client backed by the official SDK. Zero-value config
// fields fall back to defaults.
func New(apiKey string, cfg Config) Client {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &client{
		llm:       newSDKLLM(apiKey),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (c *client) CompleteStructured(ctx context.Context, task, prompt string, out any) error {
	resp, err := c.llm.createMessage(ctx, messageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      systemPrompt,
		User:        prompt,
		Temperature: 0, // extraction must be reproducible
	})
	if err != nil {
		return eris.Wrapf(err, "oracle: %s request", task)
	}

	resp.Usage.LogCost(c.model, task)

	if resp.StopReason == "max_tokens" {
		return eris.Wrapf(ErrExtraction, "%s: reply truncated at %d tokens", task, c.maxTokens)
	}

	raw, ok := extractJSON(resp.Text)
	if !ok {
		return eris.Wrapf(ErrExtraction, "%s: %.120s", task, resp.Text)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return eris.Wrapf(ErrExtraction, "%s: decode: %v", task, err)
	}

	return nil
}

// extractJSON finds the JSON object in the reply. The model may wrap it in
// surrounding text despite instructions.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-6":            {15.00, 75.00},
}

// EstimateCost computes an estimated cost in USD from a TokenUsage and model ID.
// Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	inCost := (float64(u.InputTokens) / 1e6) * pricing[0]
	outCost := (float64(u.OutputTokens) / 1e6) * pricing[1]
	cacheWriteCost := (float64(u.CacheCreationInputTokens) / 1e6) * pricing[0] * 1.25
	cacheReadCost := (float64(u.CacheReadInputTokens) / 1e6) * pricing[0] * 0.1
	return inCost + outCost + cacheWriteCost + cacheReadCost
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u TokenUsage) LogCost(model, task string) {
	cost := u.EstimateCost(model)
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("task", task),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", cost),
	)
}
