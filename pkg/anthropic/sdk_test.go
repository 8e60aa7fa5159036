package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSDKMessage(t *testing.T) {
	sdkMsg := &sdk.Message{
		ID:           "msg_test_123",
		Model:        "claude-sonnet-4-5-20250929",
		StopReason:   "end_turn",
		StopSequence: "STOP",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Hello world"},
			{Type: "text", Text: "Second block"},
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
	assert.Equal(t, "msg_test_123", resp.ID)
	assert.Equal(t, "claude-sonnet-4-5-20250929", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "STOP", resp.StopSequence)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Hello world", resp.Content[0].Text)
	assert.Equal(t, "Second block", resp.Content[1].Text)
	assert.Equal(t, int64(100), resp.Usage.InputTokens)
	assert.Equal(t, int64(50), resp.Usage.OutputTokens)
	assert.Equal(t, int64(2000), resp.Usage.CacheCreationInputTokens)
	assert.Equal(t, int64(3000), resp.Usage.CacheReadInputTokens)
}

func TestFromSDKMessage_EmptyContent(t *testing.T) {
	sdkMsg := &sdk.Message{
		ID:         "msg_empty",
		Model:      "claude-haiku-4-5-20251001",
		StopReason: "max_tokens",
	}

	resp := fromSDKMessage(sdkMsg)
	require.NotNil(t, resp)
	assert.Empty(t, resp.Content)
	assert.Equal(t, "max_tokens", resp.StopReason)
	assert.Equal(t, int64(0), resp.Usage.InputTokens)
}

func TestToSDKParams_Minimal(t *testing.T) {
	params := toSDKParams(MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 256,
		Messages:  []Message{{Role: "user", Content: "Hi"}},
	})

	assert.Equal(t, sdk.Model("claude-haiku-4-5-20251001"), params.Model)
	assert.Equal(t, int64(256), params.MaxTokens)
	require.Len(t, params.Messages, 1)
	assert.Empty(t, params.System)
}

func TestToSDKParams_WithSystemAndTemperature(t *testing.T) {
	temp := 0.2
	params := toSDKParams(MessageRequest{
		Model:       "claude-sonnet-4-5-20250929",
		MaxTokens:   1024,
		System:      []SystemBlock{{Text: "Document text", CacheControl: &CacheControl{TTL: "1h"}}},
		Messages:    []Message{{Role: "user", Content: "Classify"}},
		Temperature: &temp,
	})

	require.Len(t, params.System, 1)
	assert.Equal(t, "Document text", params.System[0].Text)
	assert.True(t, params.Temperature.Valid())
	assert.Equal(t, 0.2, params.Temperature.Value)
}

func TestToSDKMessages_UserRole(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "Hello"},
	}
	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 1)
}

func TestToSDKMessages_AssistantRole(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", Content: "Hi there"},
	}
	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 1)
}

func TestToSDKMessages_MixedRoles(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "Question"},
		{Role: "assistant", Content: "Answer"},
		{Role: "user", Content: "Follow-up"},
	}
	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 3)
}

func TestToSDKMessages_UnknownRoleDefaultsToUser(t *testing.T) {
	msgs := []Message{
		{Role: "unknown", Content: "text"},
	}
	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 1)
}

func TestToSDKMessages_Empty(t *testing.T) {
	sdkMsgs := toSDKMessages(nil)
	assert.Empty(t, sdkMsgs)
}

func TestToSDKSystemBlocks_NoCacheControl(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "System prompt text"},
	}
	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 1)
	assert.Equal(t, "System prompt text", sdkBlocks[0].Text)
}

func TestToSDKSystemBlocks_WithCacheControl(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "Cached context", CacheControl: &CacheControl{TTL: "1h"}},
	}
	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 1)
	assert.Equal(t, "Cached context", sdkBlocks[0].Text)
	assert.NotNil(t, sdkBlocks[0].CacheControl)
}

func TestToSDKSystemBlocks_WithEmptyTTL(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "Block", CacheControl: &CacheControl{TTL: ""}},
	}
	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 1)
	assert.NotNil(t, sdkBlocks[0].CacheControl)
}

func TestToSDKSystemBlocks_Multiple(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "First block"},
		{Text: "Second block", CacheControl: &CacheControl{TTL: "5m"}},
		{Text: "Third block"},
	}
	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 3)
	assert.Equal(t, "First block", sdkBlocks[0].Text)
	assert.Equal(t, "Second block", sdkBlocks[1].Text)
	assert.Equal(t, "Third block", sdkBlocks[2].Text)
}

func TestNewClient_ReturnsNonNil(t *testing.T) {
	client := NewClient("test-api-key")
	require.NotNil(t, client)

	// Verify it implements the Client interface.
	var _ Client = client //nolint:staticcheck // interface compliance check
}

func TestMessageRequest_Fields(t *testing.T) {
	temp := 0.7
	req := MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 2048,
		System: []SystemBlock{
			{Text: "System"},
		},
		Messages: []Message{
			{Role: "user", Content: "Hello"},
		},
		Temperature: &temp,
	}

	assert.Equal(t, "claude-sonnet-4-5-20250929", req.Model)
	assert.Equal(t, int64(2048), req.MaxTokens)
	assert.Len(t, req.System, 1)
	assert.Len(t, req.Messages, 1)
	assert.Equal(t, 0.7, *req.Temperature)
}

func TestTokenUsage_Fields(t *testing.T) {
	usage := TokenUsage{
		InputTokens:              1000,
		OutputTokens:             500,
		CacheCreationInputTokens: 5000,
		CacheReadInputTokens:     4000,
	}
	assert.Equal(t, int64(1000), usage.InputTokens)
	assert.Equal(t, int64(500), usage.OutputTokens)
	assert.Equal(t, int64(5000), usage.CacheCreationInputTokens)
	assert.Equal(t, int64(4000), usage.CacheReadInputTokens)
}

func TestContentBlock_Fields(t *testing.T) {
	b := ContentBlock{Type: "text", Text: "Hello"}
	assert.Equal(t, "text", b.Type)
	assert.Equal(t, "Hello", b.Text)
}
