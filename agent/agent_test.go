package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

type testTool struct {
	name   string
	fn     func(ctx context.Context, input json.RawMessage) (string, error)
	called int
}

func (t *testTool) Name() string        { return t.name }
func (t *testTool) Description() string { return "test tool" }
func (t *testTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *testTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	t.called++
	if t.fn != nil {
		return t.fn(ctx, input)
	}
	return "ok", nil
}

func testConfig() *config.Config {
	return &config.Config{
		SystemPrompt: "you are a test agent",
		Toolsets:     []config.Toolset{{Name: "default", Tools: []string{}}},
	}
}

func newTestEngine(t *testing.T, client llm.Client, mode Mode) *Engine {
	t.Helper()
	t.Chdir(t.TempDir())
	sess, err := session.New("engine-test")
	require.NoError(t, err)
	engine, err := New(testConfig(), sess, "default", mode, client, ToolVerbosityNone, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestNewSeedsSystemPrompt(t *testing.T) {
	engine := newTestEngine(t, &llm.MockClient{}, ModeAuto)
	require.NotEmpty(t, engine.Session.Messages)
	first := engine.Session.Messages[0]
	assert.Equal(t, session.RoleSystem, first.Role)
	assert.Equal(t, "you are a test agent", first.Text())
}

func TestNewDoesNotOfferSummarizerToModel(t *testing.T) {
	engine := newTestEngine(t, &llm.MockClient{}, ModeAuto)
	for _, d := range engine.Registry.Declarations() {
		assert.NotEqual(t, SummaryToolName, d.Name)
	}
}

func TestRunTurnPlainText(t *testing.T) {
	mock := &llm.MockClient{Script: []llm.Result{{Text: "hi there", StopReason: "end_turn"}}}
	engine := newTestEngine(t, mock, ModeAuto)

	var streamed, announced string
	answer, err := engine.RunTurn(context.Background(), "hello", ProcessCallbacks{
		OnToken:            func(text string) { streamed += text },
		OnAssistantMessage: func(text string) { announced = text },
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", answer)
	assert.Equal(t, "hi there", streamed)
	assert.Equal(t, "hi there", announced)

	// system, user, assistant
	require.Len(t, engine.Session.Messages, 3)
	assert.Equal(t, session.RoleAssistant, engine.Session.Messages[2].Role)

	reloaded, err := session.Load("engine-test")
	require.NoError(t, err)
	assert.Len(t, reloaded.Messages, 3)
}

func TestRunTurnToolLoop(t *testing.T) {
	mock := &llm.MockClient{Script: []llm.Result{
		{
			Text:       "checking",
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "echo", Input: json.RawMessage(`{"msg":"hi"}`)}},
		},
		{Text: "done", StopReason: "end_turn"},
	}}
	engine := newTestEngine(t, mock, ModeAuto)

	echo := &testTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage) (string, error) {
		return "echoed: " + string(input), nil
	}}
	engine.RegisterTool(echo)

	var calls []llm.ToolCall
	var results []string
	answer, err := engine.RunTurn(context.Background(), "run echo", ProcessCallbacks{
		OnToolCall:   func(call llm.ToolCall) { calls = append(calls, call) },
		OnToolResult: func(call llm.ToolCall, output string, isError bool) { results = append(results, output) },
	})
	require.NoError(t, err)
	assert.Equal(t, "done", answer)
	assert.Equal(t, 1, echo.called)
	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].ID)
	require.Len(t, results, 1)
	assert.Contains(t, results[0], "echoed")

	// system, user, assistant(text+tool_use), tool result, assistant
	msgs := engine.Session.Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, session.RoleAssistant, msgs[2].Role)
	require.Len(t, msgs[2].ToolUses(), 1)
	assert.Equal(t, session.RoleTool, msgs[3].Role)
	assert.False(t, msgs[3].ToolResults()[0].IsError)

	// The second request must carry the tool result back to the model.
	require.Len(t, mock.Calls, 2)
	secondHistory := mock.Calls[1]
	last := secondHistory[len(secondHistory)-1]
	assert.Equal(t, session.RoleTool, last.Role)
	assert.Equal(t, "t1", last.ToolResults()[0].ToolUseID)

	// Declarations offered on every request include the registered tool.
	require.NotEmpty(t, mock.Decls[0])
	assert.Equal(t, "echo", mock.Decls[0][0].Name)
}

func TestRunTurnToolNotFound(t *testing.T) {
	mock := &llm.MockClient{Script: []llm.Result{
		{
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "ghost", Input: json.RawMessage(`{}`)}},
		},
		{Text: "recovered", StopReason: "end_turn"},
	}}
	engine := newTestEngine(t, mock, ModeAuto)

	answer, err := engine.RunTurn(context.Background(), "call a ghost", ProcessCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", answer)

	var toolMsg *session.Message
	for i := range engine.Session.Messages {
		if engine.Session.Messages[i].Role == session.RoleTool {
			toolMsg = &engine.Session.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	result := toolMsg.ToolResults()[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "ghost")
	assert.Len(t, mock.Calls, 2, "the model sees the failure and recovers")
}

func TestRunTurnPromptModeDeclined(t *testing.T) {
	mock := &llm.MockClient{Script: []llm.Result{
		{
			Text:       "let me write that file",
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "sensitive", Input: json.RawMessage(`{}`)}},
		},
	}}
	engine := newTestEngine(t, mock, ModePrompt)

	sensitive := &testTool{name: "sensitive"}
	engine.RegisterTool(sensitive)

	answer, err := engine.RunTurn(context.Background(), "do it", ProcessCallbacks{
		ShouldExecuteTool: func(call llm.ToolCall) bool { return false },
	})
	require.NoError(t, err)
	assert.Equal(t, "let me write that file", answer)
	assert.Zero(t, sensitive.called, "declined tools never execute")
	assert.Len(t, mock.Calls, 1, "no executed tools means no extra round trip")

	last := engine.Session.Messages[len(engine.Session.Messages)-1]
	require.Equal(t, session.RoleTool, last.Role)
	result := last.ToolResults()[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "declined")
}

type errClient struct{ err error }

func (c *errClient) Chat(ctx context.Context, messages []session.Message, decls []tools.Declaration, sink *llm.Sink) (*llm.Result, error) {
	return nil, c.err
}

func TestRunTurnChatErrorAbortsTurn(t *testing.T) {
	boom := errors.WithKind(errors.New("upstream exploded"), errors.ErrAPI)
	engine := newTestEngine(t, &errClient{err: boom}, ModeAuto)

	_, err := engine.RunTurn(context.Background(), "hello", ProcessCallbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAPI))
}

func TestRunTurnCancelledContext(t *testing.T) {
	engine := newTestEngine(t, &llm.MockClient{}, ModeAuto)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.RunTurn(ctx, "hello", ProcessCallbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
