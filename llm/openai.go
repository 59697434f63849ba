package llm

import (
	"context"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// OpenAIClient is a client for the OpenAI Chat Completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAIClient creates a new OpenAIClient. It requires the OPENAI_API_KEY
// environment variable to be set. It also supports OPENAI_BASE_URL for
// custom API endpoints.
func NewOpenAIClient(model string, logger zerolog.Logger) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK uses functional options for configuration.
	c := openai.NewClient(options...)
	// The &c is required, do not replace and just use c
	return &OpenAIClient{client: &c, model: model, logger: logger}, nil
}

// Chat sends a chat request to OpenAI and converts the response into the
// shared Result shape. Streaming is not implemented for this provider; the
// sink only receives repair warnings.
func (o *OpenAIClient) Chat(ctx context.Context, messages []session.Message, decls []tools.Declaration, sink *Sink) (*Result, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: openaiMessages(messages),
		Tools:    openaiTools(decls),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "failed to send message to OpenAI"), errors.ErrAPI)
	}
	return o.processResponse(resp, sink)
}

func (o *OpenAIClient) processResponse(resp *openai.ChatCompletion, sink *Sink) (*Result, error) {
	out := &Result{
		MessageID: resp.ID,
		Model:     resp.Model,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	out.StopReason = string(choice.FinishReason)
	out.Text = choice.Message.Content

	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: []byte(tc.Function.Arguments),
		})
	}
	out.ToolCalls = normalizeToolCalls(calls, warnFunc(sink), o.logger)
	return out, nil
}

// openaiMessages converts the internal message format to OpenAI's. Tool
// results become tool-role messages keyed by the call id; assistant
// tool_use blocks become tool_calls on the assistant message.
func openaiMessages(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Text()))
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Text(),
			}
			var toolCalls []openai.ChatCompletionMessageToolCallUnion
			for _, block := range msg.ToolUses() {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   block.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      block.Name,
						Arguments: string(block.Input),
					},
				})
			}
			assistantMessage.ToolCalls = toolCalls
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case session.RoleTool:
			for _, block := range msg.ToolResults() {
				chatMessages = append(chatMessages, openai.ToolMessage(block.Content, block.ToolUseID))
			}
		case session.RoleUser:
			fallthrough
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Text()))
		}
	}
	return chatMessages
}

// openaiTools converts our declarations to the OpenAI tool format.
func openaiTools(decls []tools.Declaration) []openai.ChatCompletionToolUnionParam {
	if len(decls) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, d := range decls {
		toolParam := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  openai.FunctionParameters(d.InputSchema),
		})
		openAITools = append(openAITools, toolParam)
	}
	return openAITools
}
