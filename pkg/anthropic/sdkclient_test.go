package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrora-labs/opskb/internal/resilience"
)

// newTestClient creates an sdkClient pointing at a local test server.
func newTestClient(baseURL string) *sdkClient {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey("test-key"),
			option.WithBaseURL(baseURL),
			option.WithMaxRetries(0),
		),
	}
}

func TestSDKClient_CreateMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_test_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "Hello from test"},
			},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                10,
				"output_tokens":               5,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     0,
			},
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, "claude-sonnet-4-5-20250929", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hello from test", resp.Content[0].Text)
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(5), resp.Usage.OutputTokens)
}

func TestSDKClient_CreateMessage_WithSystemAndTemp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_sys",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "Acknowledged"},
			},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                50,
				"output_tokens":               3,
				"cache_creation_input_tokens": 5000,
				"cache_read_input_tokens":     0,
			},
		})
	}))
	defer ts.Close()

	temp := 0.5
	client := newTestClient(ts.URL)
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 128,
		System: []SystemBlock{
			{Text: "You are a test assistant", CacheControl: &CacheControl{TTL: "1h"}},
		},
		Messages:    []Message{{Role: "user", Content: "Ack"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_sys", resp.ID)
	assert.Equal(t, int64(5000), resp.Usage.CacheCreationInputTokens)
}

func TestSDKClient_CreateMessage_UpstreamError_Fatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type": "error",
			"error": map[string]any{
				"type":    "api_error",
				"message": "Internal server error",
			},
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")

	var fatal *resilience.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 500, fatal.StatusCode)
	assert.False(t, resilience.IsTransient(err))
}

func TestSDKClient_CreateMessage_RateLimit_Fatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type": "error",
			"error": map[string]any{
				"type":    "rate_limit_error",
				"message": "Rate limit exceeded",
			},
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 256,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)

	var fatal *resilience.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 429, fatal.StatusCode)
}

func TestSDKClient_CreateMessage_ConnectionRefused_Transient(t *testing.T) {
	// Nothing listens on this port.
	client := newTestClient("http://127.0.0.1:1")
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 256,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsFatal(err))
}

const streamFixture = `event: message_start
data: {"type":"message_start","message":{"id":"msg_stream_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5-20250929","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":1,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}

`

func TestSDKClient_StreamMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/messages")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamFixture))
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	var deltas []string
	resp, err := client.StreamMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	}, func(text string) {
		deltas = append(deltas, text)
	})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, []string{"Hello ", "world"}, deltas)
	assert.Equal(t, "msg_stream_1", resp.ID)
	assert.Equal(t, "Hello world", resp.Text())
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, int64(25), resp.Usage.InputTokens)
	assert.Equal(t, int64(12), resp.Usage.OutputTokens)
}

func TestSDKClient_StreamMessage_NilCallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamFixture))
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	resp, err := client.StreamMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Text())
}

func TestSDKClient_StreamMessage_UpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type": "error",
			"error": map[string]any{
				"type":    "overloaded_error",
				"message": "Overloaded",
			},
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	_, err := client.StreamMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Hello"}},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: stream message")
	assert.True(t, resilience.IsFatal(err))
}
