package oracle

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSDKMessage(t *testing.T) {
	sdkMsg := &sdk.Message{
		ID:         "msg_test_123",
		Model:      "claude-haiku-4-5-20251001",
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"domain":"rossisnc.it"`},
			{Type: "text", Text: `,"reasoning":"name match"}`},
		},
		Usage: sdk.Usage{
			InputTokens:              100,
			OutputTokens:             50,
			CacheCreationInputTokens: 2000,
			CacheReadInputTokens:     3000,
		},
	}

	resp := fromSDKMessage(sdkMsg)
	require.NotNil(t, resp)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Contains(t, resp.Text, "rossisnc.it")
	assert.Contains(t, resp.Text, "name match")
	assert.Equal(t, int64(100), resp.Usage.InputTokens)
	assert.Equal(t, int64(50), resp.Usage.OutputTokens)
	assert.Equal(t, int64(2000), resp.Usage.CacheCreationInputTokens)
	assert.Equal(t, int64(3000), resp.Usage.CacheReadInputTokens)
}

func TestFromSDKMessage_SkipsNonTextBlocks(t *testing.T) {
	sdkMsg := &sdk.Message{
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "thinking"},
			{Type: "text", Text: `{"domain":"x.it"}`},
		},
	}

	resp := fromSDKMessage(sdkMsg)
	assert.Equal(t, `{"domain":"x.it"}`, resp.Text)
}

func TestFromSDKMessage_EmptyContent(t *testing.T) {
	sdkMsg := &sdk.Message{
		StopReason: "max_tokens",
	}

	resp := fromSDKMessage(sdkMsg)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Text)
	assert.Equal(t, "max_tokens", resp.StopReason)
}
