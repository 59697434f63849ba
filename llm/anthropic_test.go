package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

func TestAnthropicWireMessages(t *testing.T) {
	messages := []session.Message{
		session.SystemMessage("be brief"),
		session.UserMessage("hello"),
		session.AssistantMessage(
			session.TextBlock("checking"),
			session.ToolUseBlock("t1", "read_file", json.RawMessage(`{"path":"a.txt"}`)),
		),
		session.ToolResultMessage(session.ToolResultBlock("t1", "contents", false)),
	}

	wire, system := anthropicWireMessages(messages)
	assert.Equal(t, "be brief", system)
	require.Len(t, wire, 3)

	raw, err := json.Marshal(wire)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"role":"user","content":[{"type":"text","text":"hello"}]},
		{"role":"assistant","content":[
			{"type":"text","text":"checking"},
			{"type":"tool_use","id":"t1","name":"read_file","input":{"path":"a.txt"}}
		]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"contents"}]}
	]`, string(raw))
}

func TestAnthropicWireMessagesSkipsEmpty(t *testing.T) {
	wire, system := anthropicWireMessages([]session.Message{
		{Role: session.RoleAssistant},
		session.UserMessage("hi"),
	})
	assert.Empty(t, system)
	require.Len(t, wire, 1)
	assert.Equal(t, "user", wire[0]["role"])
}

// sseWriter emits one SSE event and flushes so the client sees it
// immediately.
func sseWriter(t *testing.T, w http.ResponseWriter) func(event, data string) {
	t.Helper()
	flusher, ok := w.(http.Flusher)
	require.True(t, ok, "response writer must support flushing")
	return func(event, data string) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
}

func TestChatStreamingEndToEnd(t *testing.T) {
	var gotBody map[string]any
	var gotHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		send := sseWriter(t, w)
		send("message_start", `{"type":"message_start","message":{"id":"msg_1","model":"m","usage":{"input_tokens":12}}}`)
		send("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`)
		send("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`)
		send("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`)
		send("content_block_stop", `{"type":"content_block_stop","index":0}`)
		send("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"echo"}}`)
		send("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"msg\":"}}`)
		send("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"hi\"}"}}`)
		send("content_block_stop", `{"type":"content_block_stop","index":1}`)
		send("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`)
		send("message_stop", `{"type":"message_stop"}`)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicOptions{
		Model:     "claude-sonnet",
		APIKey:    "sk-test",
		BaseURL:   server.URL,
		Streaming: true,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	var streamed string
	sink := &Sink{OnToken: func(text string) { streamed += text }}
	decls := []tools.Declaration{{
		Name:        "echo",
		Description: "echoes",
		InputSchema: map[string]any{"type": "object"},
	}}

	res, err := client.Chat(context.Background(), []session.Message{session.UserMessage("hi")}, decls, sink)
	require.NoError(t, err)

	assert.Equal(t, "msg_1", res.MessageID)
	assert.Equal(t, "tool_use", res.StopReason)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, "Hello world", streamed)
	assert.Equal(t, 12, res.Usage.InputTokens)
	assert.Equal(t, 9, res.Usage.OutputTokens)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "t1", res.ToolCalls[0].ID)
	assert.Equal(t, "echo", res.ToolCalls[0].Name)
	assert.JSONEq(t, `{"msg":"hi"}`, string(res.ToolCalls[0].Input))

	assert.Equal(t, "sk-test", gotHeaders.Get("x-api-key"))
	assert.Empty(t, gotHeaders.Get("Authorization"))
	assert.Equal(t, anthropicVersion, gotHeaders.Get("anthropic-version"))
	assert.Equal(t, "claude-sonnet", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	assert.Equal(t, float64(defaultMaxTokens), gotBody["max_tokens"])
	toolsSent, _ := json.Marshal(gotBody["tools"])
	assert.JSONEq(t, `[{"name":"echo","description":"echoes","input_schema":{"type":"object"}}]`, string(toolsSent))
}

type staticTokens struct {
	token       string
	invalidated atomic.Int32
}

func (s *staticTokens) Token(ctx context.Context) (string, error) { return s.token, nil }
func (s *staticTokens) Invalidate(ctx context.Context) (string, error) {
	s.invalidated.Add(1)
	s.token = "at-fresh"
	return s.token, nil
}

func TestChatRetriesOnceOn401(t *testing.T) {
	var requests atomic.Int32
	var authHeaders []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		assert.Equal(t, anthropicOAuthBeta, r.Header.Get("anthropic-beta"))
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"type":"authentication_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_2","model":"m","stop_reason":"end_turn","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer server.Close()

	tokens := &staticTokens{token: "at-stale"}
	client, err := NewAnthropicClient(AnthropicOptions{
		Model:   "m",
		Tokens:  tokens,
		BaseURL: server.URL,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	res, err := client.Chat(context.Background(), []session.Message{session.UserMessage("hi")}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, int32(1), tokens.invalidated.Load())
	assert.Equal(t, []string{"Bearer at-stale", "Bearer at-fresh"}, authHeaders)
}

func TestChatAuthFailureAfterRetry(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicOptions{
		Model:   "m",
		Tokens:  &staticTokens{token: "at"},
		BaseURL: server.URL,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []session.Message{session.UserMessage("hi")}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuth))
	assert.Equal(t, int32(2), requests.Load(), "exactly one retry")
}

func TestChatServerErrorIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"type":"overloaded_error"}}`)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicOptions{
		Model: "m", APIKey: "k", BaseURL: server.URL, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []session.Message{session.UserMessage("hi")}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAPI))

	var status *errors.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusInternalServerError, status.Status)
	assert.Contains(t, status.Body, "overloaded_error")
}

func TestChatNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client, err := NewAnthropicClient(AnthropicOptions{
		Model: "m", APIKey: "k", BaseURL: server.URL, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []session.Message{session.UserMessage("hi")}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

func TestChatStreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		send := sseWriter(t, w)
		send("message_start", `{"type":"message_start","message":{"id":"msg_3","model":"m","usage":{"input_tokens":1}}}`)
		send("error", `{"type":"error","error":{"type":"overloaded_error","message":"try later"}}`)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicOptions{
		Model: "m", APIKey: "k", BaseURL: server.URL, Streaming: true, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []session.Message{session.UserMessage("hi")}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAPI))
	assert.Contains(t, err.Error(), "try later")
}

func TestChatNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		_, hasStream := req["stream"]
		assert.False(t, hasStream, "non-streaming request must not set stream")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"msg_4","model":"m","stop_reason":"tool_use",
			"content":[
				{"type":"text","text":"running"},
				{"type":"tool_use","id":"t9","name":"echo","input":{"msg":"x"}}
			],
			"usage":{"input_tokens":3,"output_tokens":4}
		}`)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicOptions{
		Model: "m", APIKey: "k", BaseURL: server.URL, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	res, err := client.Chat(context.Background(), []session.Message{session.UserMessage("hi")}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "running", res.Text)
	assert.Equal(t, "tool_use", res.StopReason)
	require.Len(t, res.ToolCalls, 1)
	assert.JSONEq(t, `{"msg":"x"}`, string(res.ToolCalls[0].Input))
	assert.Equal(t, 4, res.Usage.OutputTokens)
}

func TestNormalizeToolCalls(t *testing.T) {
	var warnings []string
	warn := func(msg string) { warnings = append(warnings, msg) }

	calls := []ToolCall{
		{ID: "t1", Name: "a", Input: json.RawMessage(`{"ok":true}`)},
		{ID: "t2", Name: "b", Input: json.RawMessage(`{"msg":"hi"`)},
		{ID: "t3", Name: "c", Input: json.RawMessage(`^^garbage^^`)},
	}

	kept := normalizeToolCalls(calls, warn, zerolog.Nop())
	require.Len(t, kept, 2)
	assert.Equal(t, "t1", kept[0].ID)
	assert.Equal(t, "t2", kept[1].ID)
	assert.JSONEq(t, `{"msg":"hi"}`, string(kept[1].Input), "near-JSON is repaired")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "t3")
}
