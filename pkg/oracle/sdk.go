package oracle

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// sdkLLM implements llm using the official anthropic-sdk-go.
type sdkLLM struct {
	client sdk.Client
}

func newSDKLLM(apiKey string) *sdkLLM {
	return &sdkLLM{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
	}
}

func (s *sdkLLM) createMessage(ctx context.Context, req messageRequest) (*messageResponse, error) {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: sdk.Float(req.Temperature),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "oracle: create message")
	}

	return fromSDKMessage(msg), nil
}

// fromSDKMessage flattens the SDK response: text blocks joined, usage copied.
func fromSDKMessage(msg *sdk.Message) *messageResponse {
	var parts []string
	for _, b := range msg.Content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}

	return &messageResponse{
		Text:       strings.Join(parts, "\n"),
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
}
