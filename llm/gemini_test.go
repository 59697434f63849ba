package llm

import (
	"encoding/json"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/parley/session"
)

func TestGeminiContents(t *testing.T) {
	messages := []session.Message{
		session.SystemMessage("be brief"),
		session.UserMessage("hello"),
		session.AssistantMessage(
			session.TextBlock("checking"),
			session.ToolUseBlock("call_0_echo", "echo", json.RawMessage(`{"msg":"hi"}`)),
		),
		session.ToolResultMessage(session.ToolResultBlock("call_0_echo", "done", false)),
	}

	contents, system := geminiContents(messages)
	assert.Equal(t, "be brief", system)
	require.Len(t, contents, 3)

	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, genai.Text("hello"), contents[0].Parts[0])

	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	call, ok := contents[1].Parts[1].(genai.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "echo", call.Name)
	assert.Equal(t, map[string]any{"msg": "hi"}, call.Args)

	assert.Equal(t, "user", contents[2].Role)
	response, ok := contents[2].Parts[0].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, "echo", response.Name, "function name recovered from the call id")
	assert.Equal(t, "done", response.Response["output"])
}

func TestGeminiToolName(t *testing.T) {
	assert.Equal(t, "echo", geminiToolName("call_3_echo", ""))
	assert.Equal(t, "read_file", geminiToolName("call_0_read_file", ""))
	assert.Equal(t, "fallback", geminiToolName("toolu_abc123", "fallback"))
}
