package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	model  *genai.GenerativeModel
	logger zerolog.Logger
}

// NewGeminiClient creates a new GeminiClient. It requires the GEMINI_API_KEY
// environment variable to be set.
func NewGeminiClient(ctx context.Context, model string, logger zerolog.Logger) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiClient{model: client.GenerativeModel(model), logger: logger}, nil
}

// Chat sends a chat request to the Gemini API.
func (g *GeminiClient) Chat(ctx context.Context, messages []session.Message, decls []tools.Declaration, sink *Sink) (*Result, error) {
	history, systemText := geminiContents(messages)
	if len(history) == 0 {
		return nil, errors.New("no sendable messages in history")
	}
	if systemText != "" {
		g.model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemText)}}
	}
	g.model.Tools = geminiTools(decls)

	// The last message is the new prompt.
	last := history[len(history)-1]

	chatSession := g.model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "failed to send message to Gemini"), errors.ErrAPI)
	}
	return g.processResponse(resp, sink)
}

// geminiContents converts the internal message format to Gemini's. Gemini
// has no call ids, so tool calls carry synthetic "call_<n>_<name>" ids and
// the function name is recovered from the id when a result goes back.
func geminiContents(messages []session.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
		case session.RoleAssistant:
			var parts []genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, genai.Text(text))
			}
			for _, block := range msg.ToolUses() {
				var args map[string]any
				if err := json.Unmarshal(block.Input, &args); err != nil {
					continue
				}
				parts = append(parts, genai.FunctionCall{Name: geminiToolName(block.ID, block.Name), Args: args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case session.RoleTool:
			var parts []genai.Part
			for _, block := range msg.ToolResults() {
				parts = append(parts, genai.FunctionResponse{
					Name:     geminiToolName(block.ToolUseID, ""),
					Response: map[string]any{"output": block.Content, "is_error": block.IsError},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		case session.RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Text())}})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

// geminiToolName extracts the function name from a synthetic call id,
// falling back to the given name.
func geminiToolName(id, name string) string {
	if parts := strings.SplitN(id, "_", 3); len(parts) == 3 && parts[0] == "call" {
		return parts[2]
	}
	return name
}

// geminiTools converts our declarations to Gemini's FunctionDeclaration
// format. The input schema is wrapped under a single "args" object because
// translating arbitrary JSON schemas into genai.Schema loses detail; the
// model sends {"args": {...}} and processResponse unwraps it.
func geminiTools(decls []tools.Declaration) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, d := range decls {
		schemaHint, _ := json.Marshal(d.InputSchema)
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: fmt.Sprintf("%s\nInput schema: %s", d.Description, schemaHint),
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"args": {
						Type:        genai.TypeObject,
						Description: "Arguments for the function call, as a map.",
					},
				},
				Required: []string{"args"},
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// processResponse converts a Gemini API response into the shared Result
// shape. Tool calls are not executed here; the engine owns execution.
func (g *GeminiClient) processResponse(resp *genai.GenerateContentResponse, sink *Sink) (*Result, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.WithKind(errors.New("received an empty response from Gemini"), errors.ErrAPI)
	}

	out := &Result{}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	candidate := resp.Candidates[0]
	out.StopReason = candidate.FinishReason.String()

	var text strings.Builder
	var calls []ToolCall
	for _, part := range candidate.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			args := v.Args
			if inner, ok := v.Args["args"].(map[string]any); ok && len(v.Args) == 1 {
				args = inner
			}
			input, err := json.Marshal(args)
			if err != nil {
				continue
			}
			calls = append(calls, ToolCall{
				ID:    fmt.Sprintf("call_%d_%s", len(calls), v.Name),
				Name:  v.Name,
				Input: input,
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	out.Text = text.String()
	out.ToolCalls = normalizeToolCalls(calls, warnFunc(sink), g.logger)
	return out, nil
}
